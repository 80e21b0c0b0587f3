package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/auth"
	"github.com/marmos91/smbclient/internal/smb/client"
	"github.com/marmos91/smbclient/internal/telemetry"
	"github.com/marmos91/smbclient/pkg/api"
	"github.com/marmos91/smbclient/pkg/config"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// env is everything a network command needs: loaded configuration, an
// initialized logger and telemetry, and a connection pool.
type env struct {
	cfg  *config.Config
	pool *client.Pool

	closers []func(context.Context) error
}

// setup loads the configuration and starts the ambient services. The
// caller must call close.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(logLevel)
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	e := &env{cfg: cfg}

	shutdownTracing, err := telemetry.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	e.closers = append(e.closers, shutdownTracing)

	shutdownProfiling, err := telemetry.InitProfiling(cfg.ProfilingConfig(Version))
	if err != nil {
		_ = e.close(ctx)
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}
	e.closers = append(e.closers, func(context.Context) error { return shutdownProfiling() })

	pool, err := cfg.NewPool()
	if err != nil {
		_ = e.close(ctx)
		return nil, err
	}
	e.pool = pool
	e.closers = append(e.closers, pool.Close)

	if cfg.Metrics.Enabled {
		srv := api.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), pool, metrics.GetRegistry())
		srvCtx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Start(srvCtx) }()
		e.closers = append(e.closers, func(context.Context) error {
			cancel()
			return <-done
		})
	}

	logger.Debug("Configuration loaded", "source", configSource(), "level", cfg.Logging.Level)
	return e, nil
}

// close stops the services in reverse order of start.
func (e *env) close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// factory returns the authenticator factory for the global credentials.
func (e *env) factory() auth.Factory {
	return auth.NTLMFactory{
		Credentials: auth.Credentials{
			Domain:   credentials.GetString("domain"),
			User:     credentials.GetString("user"),
			Password: credentials.GetString("password"),
		},
		Workstation: workstation(),
	}
}

// workstation is the local host name in NetBIOS form.
func workstation() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	if len(name) > 15 {
		name = name[:15]
	}
	return strings.ToUpper(name)
}

func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// splitHostPort accepts "host" or "host:port". A missing port is zero,
// which selects the configured one.
func splitHostPort(s string) (string, int, error) {
	host, port, found := strings.Cut(s, ":")
	if !found || strings.Count(s, ":") > 1 {
		return strings.Trim(s, "[]"), 0, nil
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil || p < 1 || p > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, p, nil
}
