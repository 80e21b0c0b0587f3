package config

import (
	"strings"

	"github.com/marmos91/smbclient/internal/smb/client"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans that default to true are seeded by GetDefaultConfig before
//     unmarshalling, since false is a meaningful explicit value
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyClientDefaults(&cfg.Client)
	applyDFSDefaults(&cfg.DFS)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyClientDefaults fills the engine settings from client.DefaultConfig.
func applyClientDefaults(cfg *ClientConfig) {
	d := client.DefaultConfig()

	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = d.ResponseTimeout
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = d.SessionTimeout
	}
	if cfg.MinDialect == "" {
		cfg.MinDialect = d.MinDialect.String()
	}
	if cfg.MaxDialect == "" {
		cfg.MaxDialect = d.MaxDialect.String()
	}
	if len(cfg.Ciphers) == 0 {
		for _, c := range d.Ciphers {
			cfg.Ciphers = append(cfg.Ciphers, c.String())
		}
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = ByteSize(d.MaxBufferSize)
	}
	if cfg.ReceiveBufferSize == 0 {
		cfg.ReceiveBufferSize = ByteSize(d.ReceiveBufferSize)
	}
	if cfg.DesiredCredits == 0 {
		cfg.DesiredCredits = d.DesiredCredits
	}
}

// applyDFSDefaults sets referral defaults.
func applyDFSDefaults(cfg *DFSConfig) {
	d := client.DefaultConfig().DFS
	if cfg.TTL == 0 {
		cfg.TTL = d.TTL
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = d.MaxHops
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Seeding Load before the file is decoded
//   - Testing
func GetDefaultConfig() *Config {
	d := client.DefaultConfig()
	cfg := &Config{
		Client: ClientConfig{
			Port139Fallback:    d.Port139Fallback,
			SigningEnabled:     d.SigningEnabled,
			IPCSigningEnforced: d.IPCSigningEnforced,
		},
		DFS: DFSConfig{
			MediaWriteProtectedFallthrough: d.DFS.MediaWriteProtectedFallthrough,
		},
		Telemetry: TelemetryConfig{
			Insecure: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
