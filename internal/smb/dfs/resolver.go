package dfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// Config controls referral handling.
type Config struct {
	// Disabled turns referral resolution off; PATH_NOT_COVERED then
	// surfaces as a plain status error.
	Disabled bool
	// TTL applies to referrals the server returns with a zero TTL.
	TTL time.Duration
	// ConvertToFQDN appends the domain to referral servers without a dot.
	ConvertToFQDN bool
	// MediaWriteProtectedFallthrough treats STATUS_MEDIA_WRITE_PROTECTED on
	// SMB1 as a DFS referral trigger.
	MediaWriteProtectedFallthrough bool
	// MaxHops bounds the redirects Retry follows.
	MaxHops int
	// FetchTimeout bounds a referral request shared by concurrent lookups.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default referral settings.
func DefaultConfig() Config {
	return Config{
		TTL:                            300 * time.Second,
		MediaWriteProtectedFallthrough: true,
		MaxHops:                        10,
		FetchTimeout:                   30 * time.Second,
	}
}

// Triggers reports whether status, returned for a request on a DFS share,
// starts referral resolution.
func (c Config) Triggers(status types.Status, smb1 bool) bool {
	if c.Disabled {
		return false
	}
	switch status {
	case types.StatusPathNotCovered:
		return true
	case types.StatusMediaWriteProtected:
		return smb1 && c.MediaWriteProtectedFallthrough
	}
	return false
}

// ErrDisabled is returned by Resolve when DFS is turned off.
var ErrDisabled = errors.New("dfs: referrals disabled")

// Fetcher issues a referral request, typically over the IPC$ tree of the
// session that hit the referral status.
type Fetcher interface {
	GetReferral(ctx context.Context, path string) (*Response, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, path string) (*Response, error)

func (f FetchFunc) GetReferral(ctx context.Context, path string) (*Response, error) {
	return f(ctx, path)
}

// Resolver resolves paths to referrals through a Cache, collapsing
// concurrent lookups of the same path into one request.
type Resolver struct {
	cfg     Config
	cache   Cache
	group   singleflight.Group
	metrics metrics.ClientMetrics
	now     func() time.Time
}

// NewResolver creates a resolver. A nil cache selects a MemoryCache.
func NewResolver(cfg Config, cache Cache, m metrics.ClientMetrics) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &Resolver{cfg: cfg, cache: cache, metrics: m, now: time.Now}
}

// Config returns the resolver settings.
func (r *Resolver) Config() Config { return r.cfg }

// Resolve returns the referral covering path (\server\share[\rest]). A
// cached, unexpired referral is returned without a round trip. domain is
// used for FQDN conversion.
//
// Concurrent lookups of one path share a single request. That request is
// detached from the cancellation of whichever caller started it and bounded
// by FetchTimeout instead; each caller still stops waiting when its own
// context ends.
func (r *Resolver) Resolve(ctx context.Context, f Fetcher, path, domain string) (*Referral, error) {
	if r.cfg.Disabled {
		return nil, ErrDisabled
	}
	path = normalize(path)

	if ref, ok := Lookup(r.cache, path, r.now()); ok {
		metrics.RecordReferral(r.metrics, "cached")
		return ref, nil
	}

	ch := r.group.DoChan(CacheKey(path), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.fetch(fctx, f, path, domain)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		metrics.RecordReferral(r.metrics, "error")
		return nil, fmt.Errorf("resolve %q: %w", path, ctx.Err())
	}
	if res.Err != nil {
		metrics.RecordReferral(r.metrics, "error")
		return nil, fmt.Errorf("resolve %q: %w", path, res.Err)
	}
	metrics.RecordReferral(r.metrics, "resolved")

	ref := res.Val.(*Referral).Clone()
	logger.DebugCtx(ctx, "DFS referral resolved",
		logger.KeyPath, path,
		"prefix", ref.Prefix,
		"target", ref.Target().UNC(),
		"intermediate", ref.Intermediate,
		"shared", res.Shared)
	return ref, nil
}

// fetch requests the referral for path and caches it under its prefix.
func (r *Resolver) fetch(ctx context.Context, f Fetcher, path, domain string) (*Referral, error) {
	resp, err := f.GetReferral(ctx, path)
	if err != nil {
		return nil, err
	}
	ref, err := NewReferral(path, resp, r.now(), r.cfg.TTL)
	if err != nil {
		return nil, err
	}
	r.fixupDomain(ref, domain)
	if err := r.cache.Put(CacheKey(ref.Prefix), ref); err != nil {
		logger.WarnCtx(ctx, "DFS cache write failed", logger.KeyPath, ref.Prefix, logger.KeyError, err)
	}
	return ref, nil
}

// Invalidate drops the cached referral covering path, for example after
// every target of it failed.
func (r *Resolver) Invalidate(path string) {
	for _, p := range prefixes(normalize(path)) {
		_ = r.cache.Delete(CacheKey(p))
	}
}

// Close releases the cache.
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// fixupDomain records the domain and, when configured, turns single-label
// server names into FQDNs.
func (r *Resolver) fixupDomain(ref *Referral, domain string) {
	ref.Domain = domain
	if !r.cfg.ConvertToFQDN || domain == "" {
		return
	}
	for i, t := range ref.Targets {
		if !strings.Contains(t.Server, ".") {
			ref.Targets[i].Server = t.Server + "." + strings.ToLower(domain)
		}
	}
}

// normalize turns \\server\share and /server/share into \server\share.
func normalize(path string) string {
	path = strings.ReplaceAll(path, "/", `\`)
	return `\` + strings.TrimLeft(path, `\`)
}
