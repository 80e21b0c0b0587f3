package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/smbclient/internal/smb/types"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "debug"

client:
  response_timeout: 10s
  max_buffer_size: 64KiB
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Client.ResponseTimeout != 10*time.Second {
		t.Errorf("Expected response_timeout 10s, got %v", cfg.Client.ResponseTimeout)
	}
	if cfg.Client.MaxBufferSize != 64<<10 {
		t.Errorf("Expected max_buffer_size 64KiB, got %v", cfg.Client.MaxBufferSize)
	}
	if cfg.Client.ConnectTimeout != 35*time.Second {
		t.Errorf("Expected default connect_timeout 35s, got %v", cfg.Client.ConnectTimeout)
	}
	if !cfg.Client.Port139Fallback {
		t.Error("Expected port139_fallback to default to true")
	}
}

func TestLoad_ExplicitFalseOverridesTrueDefault(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
client:
  port139_fallback: false
  ipc_signing_enforced: false
dfs:
  media_write_protected_fallthrough: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Client.Port139Fallback || cfg.Client.IPCSigningEnforced || cfg.DFS.MediaWriteProtectedFallthrough {
		t.Errorf("Expected explicit false values to be kept, got %+v / %+v", cfg.Client, cfg.DFS)
	}
	if !cfg.Client.SigningEnabled {
		t.Error("Expected signing_enabled to keep its default")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Client.Port != 445 {
		t.Errorf("Expected default port 445, got %d", cfg.Client.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[client]
min_dialect = "3.0"
ciphers = ["AES-256-GCM"]

[dfs]
ttl = "1m"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if len(cfg.Client.Ciphers) != 1 || cfg.Client.Ciphers[0] != "AES-256-GCM" {
		t.Errorf("Expected ciphers [AES-256-GCM], got %v", cfg.Client.Ciphers)
	}
	if cfg.DFS.TTL != time.Minute {
		t.Errorf("Expected dfs ttl 1m, got %v", cfg.DFS.TTL)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("SMBCLIENT_LOGGING_LEVEL", "ERROR")
	t.Setenv("SMBCLIENT_CLIENT_DESIRED_CREDITS", "64")
	t.Setenv("SMBCLIENT_DFS_DISABLED", "true")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"
client:
  desired_credits: 128
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Client.DesiredCredits != 64 {
		t.Errorf("Expected desired_credits 64 from env var, got %d", cfg.Client.DesiredCredits)
	}
	if !cfg.DFS.Disabled {
		t.Error("Expected dfs.disabled from env var")
	}
}

func TestMustLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := GetDefaultConfig()
	cfg.Client.MaxBufferSize = 256 << 10
	cfg.Client.SessionLimit = 4

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Client.MaxBufferSize != 256<<10 {
		t.Errorf("Expected max_buffer_size 256KiB, got %v", loaded.Client.MaxBufferSize)
	}
	if loaded.Client.SessionLimit != 4 {
		t.Errorf("Expected session_limit 4, got %d", loaded.Client.SessionLimit)
	}
}

func TestWatchReloads(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "logging:\n  level: INFO\n")

	changes := make(chan *Config, 4)
	cfg, err := Watch(configPath, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Fatalf("Expected initial level INFO, got %q", cfg.Logging.Level)
	}

	if err := os.WriteFile(configPath, []byte("logging:\n  level: DEBUG\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Logging.Level == "DEBUG" {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for config reload")
		}
	}
}

func TestClientConfigConversion(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.MinDialect = "SMB1"
	cfg.Client.Ciphers = []string{"AES-128-CCM"}
	cfg.DFS.MaxHops = 3

	cc, err := cfg.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}
	if cc.MinDialect != types.DialectSMB1 || cc.MaxDialect != types.Dialect0311 {
		t.Errorf("Unexpected dialect range %s..%s", cc.MinDialect, cc.MaxDialect)
	}
	if len(cc.Ciphers) != 1 || cc.Ciphers[0] != types.CipherAES128CCM {
		t.Errorf("Unexpected ciphers %v", cc.Ciphers)
	}
	if cc.DFS.MaxHops != 3 || !cc.DFS.MediaWriteProtectedFallthrough {
		t.Errorf("Unexpected DFS settings %+v", cc.DFS)
	}
	if cc.MaxBufferSize != 1<<20 {
		t.Errorf("Expected max buffer 1MiB, got %d", cc.MaxBufferSize)
	}
}

func TestNewResolver(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.DFS.CachePath = t.TempDir()

	r, err := cfg.NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	if r == nil {
		t.Fatal("Expected a resolver")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	cfg.DFS.Disabled = true
	r, err = cfg.NewResolver(nil)
	if err != nil || r != nil {
		t.Errorf("Expected no resolver when DFS is disabled, got %v, %v", r, err)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
	if filepath.Base(GetConfigDir()) != "smbclient" {
		t.Errorf("Expected directory name 'smbclient', got %q", filepath.Base(GetConfigDir()))
	}
	if DefaultConfigExists() {
		t.Error("Expected no config in a fresh directory")
	}
}
