package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/smbclient/pkg/metrics"
)

func init() {
	metrics.RegisterReferralCacheMetricsConstructor(NewReferralCacheMetrics)
}

// referralCacheMetrics is the Prometheus implementation of
// metrics.ReferralCacheMetrics.
type referralCacheMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	hitRatio  *prometheus.GaugeVec
	sizeBytes *prometheus.GaugeVec

	mu     sync.Mutex
	totals map[string]*[2]float64 // store -> {hits, lookups}
}

// NewReferralCacheMetrics creates a Prometheus-backed instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewReferralCacheMetrics() metrics.ReferralCacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newReferralCacheMetrics(metrics.GetRegistry())
}

func newReferralCacheMetrics(reg prometheus.Registerer) *referralCacheMetrics {
	return &referralCacheMetrics{
		hits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_dfs_cache_hits_total",
				Help: "Total number of DFS referral cache hits by store",
			},
			[]string{"store"}, // "memory", "badger"
		),
		misses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_dfs_cache_misses_total",
				Help: "Total number of DFS referral cache misses by store",
			},
			[]string{"store"},
		),
		hitRatio: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smbclient_dfs_cache_hit_ratio",
				Help: "DFS referral cache hit ratio (0.0 to 1.0) by store",
			},
			[]string{"store"},
		),
		sizeBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smbclient_dfs_cache_size_bytes",
				Help: "On-disk size of the persistent DFS referral cache",
			},
			[]string{"store", "part"}, // "lsm", "vlog"
		),
		totals: make(map[string]*[2]float64),
	}
}

func (m *referralCacheMetrics) RecordCacheHit(store string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(store).Inc()
	m.observe(store, 1)
}

func (m *referralCacheMetrics) RecordCacheMiss(store string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(store).Inc()
	m.observe(store, 0)
}

func (m *referralCacheMetrics) RecordCacheSize(store string, lsm, vlog int64) {
	if m == nil {
		return
	}
	m.sizeBytes.WithLabelValues(store, "lsm").Set(float64(lsm))
	m.sizeBytes.WithLabelValues(store, "vlog").Set(float64(vlog))
}

func (m *referralCacheMetrics) observe(store string, hit float64) {
	m.mu.Lock()
	t, ok := m.totals[store]
	if !ok {
		t = new([2]float64)
		m.totals[store] = t
	}
	t[0] += hit
	t[1]++
	ratio := t[0] / t[1]
	m.mu.Unlock()
	m.hitRatio.WithLabelValues(store).Set(ratio)
}
