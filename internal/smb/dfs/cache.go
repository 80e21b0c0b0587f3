package dfs

import (
	"strings"
	"sync"
	"time"

	"github.com/marmos91/smbclient/pkg/metrics"
)

// Cache stores referrals keyed by the lower-cased consumed prefix.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the referral stored under key if it has not expired.
	Get(key string, now time.Time) (*Referral, bool)
	// Put stores ref under key until ref.Expiration.
	Put(key string, ref *Referral) error
	// Delete removes key.
	Delete(key string) error
	Close() error
}

// CacheKey normalizes a prefix into a cache key.
func CacheKey(prefix string) string {
	return strings.ToLower(strings.TrimRight(prefix, `\`))
}

// prefixes lists the candidate keys for path from longest to shortest,
// stopping at \server\share.
func prefixes(path string) []string {
	p := strings.TrimRight(path, `\`)
	var out []string
	for {
		out = append(out, p)
		if strings.Count(p, `\`) <= 2 {
			return out
		}
		p = p[:strings.LastIndexByte(p, '\\')]
	}
}

// Lookup returns the longest unexpired cached referral covering path, with
// its Prefix rewritten to the matching part of path.
func Lookup(c Cache, path string, now time.Time) (*Referral, bool) {
	for _, p := range prefixes(path) {
		if ref, ok := c.Get(CacheKey(p), now); ok {
			ref.RequestPath = path
			ref.Prefix, ref.PathConsumed = consumedPrefix(p, 0)
			return ref, true
		}
	}
	return nil, false
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Referral
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Referral)}
}

func (c *MemoryCache) Get(key string, now time.Time) (*Referral, bool) {
	c.mu.RLock()
	ref, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if ref.Expired(now) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == ref {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return ref.Clone(), true
}

func (c *MemoryCache) Put(key string, ref *Referral) error {
	c.mu.Lock()
	c.entries[key] = ref.Clone()
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error { return nil }

// sizer is implemented by persistent caches that can report their size.
type sizer interface {
	Size() (lsm, vlog int64)
}

// meteredCache counts hits and misses of every key lookup on an inner Cache.
type meteredCache struct {
	Cache
	store   string
	metrics metrics.ReferralCacheMetrics
}

// WithMetrics wraps c so its lookups are recorded under store. A nil m
// returns c unchanged.
func WithMetrics(c Cache, store string, m metrics.ReferralCacheMetrics) Cache {
	if m == nil {
		return c
	}
	return &meteredCache{Cache: c, store: store, metrics: m}
}

func (c *meteredCache) Get(key string, now time.Time) (*Referral, bool) {
	ref, ok := c.Cache.Get(key, now)
	if ok {
		metrics.RecordCacheHit(c.metrics, c.store)
	} else {
		metrics.RecordCacheMiss(c.metrics, c.store)
	}
	return ref, ok
}

func (c *meteredCache) Put(key string, ref *Referral) error {
	if err := c.Cache.Put(key, ref); err != nil {
		return err
	}
	if s, ok := c.Cache.(sizer); ok {
		lsm, vlog := s.Size()
		metrics.RecordCacheSize(c.metrics, c.store, lsm, vlog)
	}
	return nil
}
