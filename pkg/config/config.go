package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the smbclient configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SMBCLIENT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Client holds the SMB engine settings
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// DFS controls referral resolution
	DFS DFSConfig `mapstructure:"dfs" yaml:"dfs"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`

	// Rotation applies when Output is a file path
	MaxSizeMB  int  `mapstructure:"max_size_mb" validate:"gte=0" yaml:"max_size_mb,omitempty"`
	MaxBackups int  `mapstructure:"max_backups" validate:"gte=0" yaml:"max_backups,omitempty"`
	MaxAgeDays int  `mapstructure:"max_age_days" validate:"gte=0" yaml:"max_age_days,omitempty"`
	Compress   bool `mapstructure:"compress" yaml:"compress,omitempty"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true,omitempty,url" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ClientConfig holds the SMB connection, session and pool settings.
type ClientConfig struct {
	// Port is dialed first. Default: 445
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// Port139Fallback retries over NetBIOS on port 139 when 445 fails
	Port139Fallback bool `mapstructure:"port139_fallback" yaml:"port139_fallback"`

	// NetBIOSName is the calling name in NetBIOS session requests
	NetBIOSName string `mapstructure:"netbios_name" validate:"max=15" yaml:"netbios_name,omitempty"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" validate:"gt=0" yaml:"response_timeout"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout" validate:"gt=0" yaml:"session_timeout"`

	// MinDialect and MaxDialect bound the offered dialects
	// Valid values: SMB1, 2.0.2, 2.1, 3.0, 3.0.2, 3.1.1
	MinDialect string `mapstructure:"min_dialect" validate:"dialect" yaml:"min_dialect"`
	MaxDialect string `mapstructure:"max_dialect" validate:"dialect" yaml:"max_dialect"`

	// SMB1Negotiate starts with a multi-dialect SMB1 negotiate
	SMB1Negotiate bool `mapstructure:"smb1_negotiate" yaml:"smb1_negotiate"`

	SigningEnabled     bool `mapstructure:"signing_enabled" yaml:"signing_enabled"`
	SigningRequired    bool `mapstructure:"signing_required" yaml:"signing_required"`
	IPCSigningEnforced bool `mapstructure:"ipc_signing_enforced" yaml:"ipc_signing_enforced"`
	AllowGuestFallback bool `mapstructure:"allow_guest_fallback" yaml:"allow_guest_fallback"`

	EncryptionEnabled bool `mapstructure:"encryption_enabled" yaml:"encryption_enabled"`

	// Ciphers in order of preference
	// Valid values: AES-128-CCM, AES-128-GCM, AES-256-CCM, AES-256-GCM
	Ciphers []string `mapstructure:"ciphers" validate:"dive,cipher" yaml:"ciphers"`

	Compression bool `mapstructure:"compression" yaml:"compression"`

	// MaxBufferSize caps one wire write
	// Supports human-readable formats: "1MiB", "64KiB"
	MaxBufferSize ByteSize `mapstructure:"max_buffer_size" validate:"gte=1024" yaml:"max_buffer_size"`

	// ReceiveBufferSize bounds accepted frames
	ReceiveBufferSize ByteSize `mapstructure:"receive_buffer_size" validate:"gte=1024" yaml:"receive_buffer_size"`

	DesiredCredits int `mapstructure:"desired_credits" validate:"min=1,max=8192" yaml:"desired_credits"`

	// SessionLimit caps sessions per connection; 0 means unlimited
	SessionLimit int `mapstructure:"session_limit" validate:"gte=0" yaml:"session_limit"`

	// MaxPoolSize caps pooled connections; 0 means unlimited
	MaxPoolSize int `mapstructure:"max_pool_size" validate:"gte=0" yaml:"max_pool_size"`

	// SOCKS5Proxy is the host:port of a SOCKS5 proxy
	SOCKS5Proxy string `mapstructure:"socks5_proxy" validate:"omitempty,hostname_port" yaml:"socks5_proxy,omitempty"`

	// LocalAddr binds outgoing connections
	LocalAddr string `mapstructure:"local_addr" validate:"omitempty,ip" yaml:"local_addr,omitempty"`
}

// DFSConfig controls referral resolution and caching.
type DFSConfig struct {
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`

	// TTL applies to referrals returned with a zero TTL. Default: 300s
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0" yaml:"ttl"`

	ConvertToFQDN bool `mapstructure:"convert_to_fqdn" yaml:"convert_to_fqdn"`

	// MediaWriteProtectedFallthrough treats STATUS_MEDIA_WRITE_PROTECTED
	// on SMB1 as a referral trigger
	MediaWriteProtectedFallthrough bool `mapstructure:"media_write_protected_fallthrough" yaml:"media_write_protected_fallthrough"`

	MaxHops int `mapstructure:"max_hops" validate:"min=1,max=64" yaml:"max_hops"`

	// CachePath selects a persistent referral cache; empty keeps
	// referrals in memory
	CachePath string `mapstructure:"cache_path" yaml:"cache_path,omitempty"`
}

// ByteSize is a size in bytes that decodes from human-readable strings
// such as "64KiB" or "1MB".
type ByteSize uint64

// String formats the size with IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalYAML writes the size in human-readable form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// ParseByteSize parses "1MiB", "64 KB", "4096" and the like.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SMBCLIENT_*)
//  2. Configuration file
//  3. Default values
//
// A missing file is not an error: the defaults are returned.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// decode unmarshals, defaults and validates what v holds.
func decode(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration and requires the file to exist, with
// instructions on how to create one when it does not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  smbclient config init\n\n"+
				"Or specify a custom config file:\n"+
				"  smbclient <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  smbclient config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// Watch loads the file at configPath and calls onChange with every valid
// version written afterwards. Invalid edits are reported through onError
// and otherwise ignored.
func Watch(configPath string, onChange func(*Config), onError func(error)) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SMBCLIENT_CLIENT_RESPONSE_TIMEOUT=10s
	v.SetEnvPrefix("SMBCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys registers every leaf key so AutomaticEnv overrides apply
// even when the file does not mention the key.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvKeys(v, f.Type, name)
			continue
		}
		_ = v.BindEnv(name)
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and numbers to ByteSize, so config
// files can use sizes like "1MiB", "64KB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s", "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "smbclient")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "smbclient")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
