package config

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/client"
	"github.com/marmos91/smbclient/internal/smb/dfs"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/internal/telemetry"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// ClientConfig converts the client and dfs sections into engine settings.
func (c *Config) ClientConfig() (client.Config, error) {
	minD, err := types.ParseDialect(c.Client.MinDialect)
	if err != nil {
		return client.Config{}, fmt.Errorf("client.min_dialect: %w", err)
	}
	maxD, err := types.ParseDialect(c.Client.MaxDialect)
	if err != nil {
		return client.Config{}, fmt.Errorf("client.max_dialect: %w", err)
	}
	ciphers := make([]types.Cipher, 0, len(c.Client.Ciphers))
	for _, name := range c.Client.Ciphers {
		ci, err := types.ParseCipher(name)
		if err != nil {
			return client.Config{}, fmt.Errorf("client.ciphers: %w", err)
		}
		ciphers = append(ciphers, ci)
	}

	return client.Config{
		Port:               c.Client.Port,
		Port139Fallback:    c.Client.Port139Fallback,
		NetBIOSName:        c.Client.NetBIOSName,
		ConnectTimeout:     c.Client.ConnectTimeout,
		ResponseTimeout:    c.Client.ResponseTimeout,
		SessionTimeout:     c.Client.SessionTimeout,
		MinDialect:         minD,
		MaxDialect:         maxD,
		SMB1Negotiate:      c.Client.SMB1Negotiate,
		SigningEnabled:     c.Client.SigningEnabled,
		SigningRequired:    c.Client.SigningRequired,
		IPCSigningEnforced: c.Client.IPCSigningEnforced,
		AllowGuestFallback: c.Client.AllowGuestFallback,
		EncryptionEnabled:  c.Client.EncryptionEnabled,
		Ciphers:            ciphers,
		Compression:        c.Client.Compression,
		MaxBufferSize:      int(c.Client.MaxBufferSize),
		ReceiveBufferSize:  int(c.Client.ReceiveBufferSize),
		DesiredCredits:     c.Client.DesiredCredits,
		SessionLimit:       c.Client.SessionLimit,
		MaxPoolSize:        c.Client.MaxPoolSize,
		SOCKS5Proxy:        c.Client.SOCKS5Proxy,
		LocalAddr:          c.Client.LocalAddr,
		DFS: dfs.Config{
			Disabled:                       c.DFS.Disabled,
			TTL:                            c.DFS.TTL,
			ConvertToFQDN:                  c.DFS.ConvertToFQDN,
			MediaWriteProtectedFallthrough: c.DFS.MediaWriteProtectedFallthrough,
			MaxHops:                        c.DFS.MaxHops,
			FetchTimeout:                   c.Client.ResponseTimeout,
		},
	}, nil
}

// NewResolver builds the DFS resolver. A cache_path selects the badger
// cache; otherwise referrals stay in memory. It returns nil when DFS is
// disabled.
func (c *Config) NewResolver(m metrics.ClientMetrics) (*dfs.Resolver, error) {
	cc, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}
	if cc.DFS.Disabled {
		return nil, nil
	}

	var cache dfs.Cache = dfs.NewMemoryCache()
	store := "memory"
	if c.DFS.CachePath != "" {
		bc, err := dfs.NewBadgerCache(c.DFS.CachePath)
		if err != nil {
			return nil, err
		}
		cache, store = bc, "badger"
	}
	if c.Metrics.Enabled {
		cache = dfs.WithMetrics(cache, store, metrics.NewReferralCacheMetrics())
	}
	return dfs.NewResolver(cc.DFS, cache, m), nil
}

// NewPool builds a connection pool with metrics and the resolver wired in.
func (c *Config) NewPool() (*client.Pool, error) {
	cc, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}

	var m metrics.ClientMetrics
	if c.Metrics.Enabled {
		metrics.InitRegistry()
		m = metrics.NewClientMetrics()
	}
	resolver, err := c.NewResolver(m)
	if err != nil {
		return nil, err
	}
	return client.NewPool(cc, client.Deps{Metrics: m, Resolver: resolver}), nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:    c.Telemetry.Enabled,
		Version:    version,
		Endpoint:   c.Telemetry.Endpoint,
		Insecure:   c.Telemetry.Insecure,
		SampleRate: c.Telemetry.SampleRate,
		Client:     c.clientResource(),
	}
}

// ProfilingConfig converts the telemetry.profiling section.
func (c *Config) ProfilingConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:      c.Telemetry.Profiling.Enabled,
		Version:      version,
		Endpoint:     c.Telemetry.Profiling.Endpoint,
		ProfileTypes: c.Telemetry.Profiling.ProfileTypes,
		Client:       c.clientResource(),
	}
}

func (c *Config) clientResource() telemetry.ClientResource {
	return telemetry.ClientResource{
		Workstation:       c.Client.NetBIOSName,
		MinDialect:        c.Client.MinDialect,
		MaxDialect:        c.Client.MaxDialect,
		SigningRequired:   c.Client.SigningRequired,
		EncryptionEnabled: c.Client.EncryptionEnabled,
	}
}
