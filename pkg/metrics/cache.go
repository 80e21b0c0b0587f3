package metrics

// ReferralCacheMetrics observes the DFS referral cache.
//
// Implementations must be safe for concurrent use. A nil value disables
// collection.
type ReferralCacheMetrics interface {
	// RecordCacheHit counts a lookup answered from the cache.
	//
	// Parameters:
	//   - store: "memory" or "badger"
	RecordCacheHit(store string)

	// RecordCacheMiss counts a lookup the cache could not answer.
	RecordCacheMiss(store string)

	// RecordCacheSize reports the on-disk footprint of a persistent store.
	//
	// Parameters:
	//   - lsm: LSM tree size in bytes
	//   - vlog: value log size in bytes
	RecordCacheSize(store string, lsm, vlog int64)
}

// NewReferralCacheMetrics creates a Prometheus-backed ReferralCacheMetrics
// instance, or returns nil when metrics are disabled.
func NewReferralCacheMetrics() ReferralCacheMetrics {
	if !IsEnabled() || newPrometheusReferralCacheMetrics == nil {
		return nil
	}
	return newPrometheusReferralCacheMetrics()
}

var newPrometheusReferralCacheMetrics func() ReferralCacheMetrics

// RegisterReferralCacheMetricsConstructor registers the Prometheus
// constructor. Called by pkg/metrics/prometheus during initialization.
func RegisterReferralCacheMetricsConstructor(constructor func() ReferralCacheMetrics) {
	newPrometheusReferralCacheMetrics = constructor
}

// RecordCacheHit counts a hit if m is non-nil.
func RecordCacheHit(m ReferralCacheMetrics, store string) {
	if m != nil {
		m.RecordCacheHit(store)
	}
}

// RecordCacheMiss counts a miss if m is non-nil.
func RecordCacheMiss(m ReferralCacheMetrics, store string) {
	if m != nil {
		m.RecordCacheMiss(store)
	}
}

// RecordCacheSize reports a store size if m is non-nil.
func RecordCacheSize(m ReferralCacheMetrics, store string, lsm, vlog int64) {
	if m != nil {
		m.RecordCacheSize(store, lsm, vlog)
	}
}
