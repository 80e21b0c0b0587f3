package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Client(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Client.Port != 445 {
		t.Errorf("Expected port 445, got %d", cfg.Client.Port)
	}
	if cfg.Client.ResponseTimeout != 30*time.Second {
		t.Errorf("Expected response_timeout 30s, got %v", cfg.Client.ResponseTimeout)
	}
	if cfg.Client.MinDialect != "SMB 2.0.2" || cfg.Client.MaxDialect != "SMB 3.1.1" {
		t.Errorf("Unexpected dialect range %q..%q", cfg.Client.MinDialect, cfg.Client.MaxDialect)
	}
	if len(cfg.Client.Ciphers) != 4 {
		t.Errorf("Expected 4 default ciphers, got %v", cfg.Client.Ciphers)
	}
	if cfg.Client.DesiredCredits != 512 {
		t.Errorf("Expected 512 desired credits, got %d", cfg.Client.DesiredCredits)
	}
	if cfg.DFS.TTL != 300*time.Second || cfg.DFS.MaxHops != 10 {
		t.Errorf("Unexpected DFS defaults %+v", cfg.DFS)
	}
}

func TestApplyDefaults_Metrics(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Expected no metrics port when disabled, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "/var/log/smbclient.log"},
		Client: ClientConfig{
			Port:            1445,
			ResponseTimeout: 5 * time.Second,
			MaxDialect:      "3.0",
			Ciphers:         []string{"AES-128-GCM"},
		},
		DFS: DFSConfig{MaxHops: 2},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level normalized to 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "/var/log/smbclient.log" {
		t.Errorf("Expected explicit output to be kept, got %q", cfg.Logging.Output)
	}
	if cfg.Client.Port != 1445 || cfg.Client.ResponseTimeout != 5*time.Second {
		t.Errorf("Explicit client values were overwritten: %+v", cfg.Client)
	}
	if cfg.Client.MaxDialect != "3.0" || len(cfg.Client.Ciphers) != 1 {
		t.Errorf("Explicit dialect or ciphers were overwritten: %+v", cfg.Client)
	}
	if cfg.DFS.MaxHops != 2 {
		t.Errorf("Expected max_hops 2, got %d", cfg.DFS.MaxHops)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestGetDefaultConfig_TrueDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	if !cfg.Client.Port139Fallback || !cfg.Client.SigningEnabled || !cfg.Client.IPCSigningEnforced {
		t.Errorf("Expected true client defaults, got %+v", cfg.Client)
	}
	if !cfg.DFS.MediaWriteProtectedFallthrough {
		t.Error("Expected media_write_protected_fallthrough to default to true")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Expected telemetry.insecure to default to true")
	}
}
