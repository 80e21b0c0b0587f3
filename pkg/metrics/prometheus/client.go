package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/smbclient/pkg/metrics"
)

func init() {
	metrics.RegisterClientMetricsConstructor(NewClientMetrics)
}

// clientMetrics is the Prometheus implementation of metrics.ClientMetrics.
type clientMetrics struct {
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	connectionsFailed *prometheus.CounterVec
	activeConnections prometheus.Gauge
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	creditsAvailable  *prometheus.GaugeVec
	creditWait        prometheus.Histogram
	creditTimeouts    prometheus.Counter
	referrals         *prometheus.CounterVec
	resyncs           *prometheus.CounterVec
}

// NewClientMetrics creates a new Prometheus-backed ClientMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewClientMetrics() metrics.ClientMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newClientMetrics(metrics.GetRegistry())
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	return &clientMetrics{
		connectionsOpened: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_connections_opened_total",
				Help: "Total number of negotiated connections by dialect",
			},
			[]string{"server", "dialect"},
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_connections_closed_total",
				Help: "Total number of closed connections",
			},
			[]string{"server"},
		),
		connectionsFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_connections_failed_total",
				Help: "Total number of failed connection attempts by stage",
			},
			[]string{"server", "stage"}, // "dial", "netbios", "negotiate"
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "smbclient_connections_active",
				Help: "Number of currently negotiated connections",
			},
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_requests_total",
				Help: "Total number of requests by command and status",
			},
			[]string{"command", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "smbclient_request_duration_milliseconds",
				Help: "Duration of requests in milliseconds",
				Buckets: []float64{
					0.5,   // 500us - local servers
					1,     // 1ms
					5,     // 5ms
					10,    // 10ms
					50,    // 50ms
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s
					30000, // 30s - response timeout
				},
			},
			[]string{"command"},
		),
		creditsAvailable: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smbclient_credits_available",
				Help: "Credits granted by the server and not yet consumed",
			},
			[]string{"server"},
		),
		creditWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smbclient_credit_wait_milliseconds",
				Help:    "Time spent blocked waiting for credits",
				Buckets: []float64{1, 10, 100, 1000, 10000, 30000},
			},
		),
		creditTimeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "smbclient_credit_timeouts_total",
				Help: "Total number of requests that timed out waiting for credits",
			},
		),
		referrals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_dfs_referrals_total",
				Help: "Total number of DFS referral lookups by outcome",
			},
			[]string{"outcome"}, // "cached", "resolved", "error"
		),
		resyncs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbclient_resync_total",
				Help: "Total number of receive stream resynchronizations",
			},
			[]string{"server"},
		),
	}
}

func (m *clientMetrics) RecordConnectionOpened(server, dialect string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(server, dialect).Inc()
	m.activeConnections.Inc()
}

func (m *clientMetrics) RecordConnectionClosed(server string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(server).Inc()
	m.activeConnections.Dec()
}

func (m *clientMetrics) RecordConnectionFailed(server, stage string) {
	if m == nil {
		return
	}
	m.connectionsFailed.WithLabelValues(server, stage).Inc()
}

func (m *clientMetrics) RecordRequest(command, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *clientMetrics) SetCreditsAvailable(server string, credits int) {
	if m == nil {
		return
	}
	m.creditsAvailable.WithLabelValues(server).Set(float64(credits))
}

func (m *clientMetrics) RecordCreditWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.creditWait.Observe(float64(duration.Microseconds()) / 1000)
}

func (m *clientMetrics) RecordCreditTimeout() {
	if m == nil {
		return
	}
	m.creditTimeouts.Inc()
}

func (m *clientMetrics) RecordReferral(outcome string) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(outcome).Inc()
}

func (m *clientMetrics) RecordResync(server string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(server).Inc()
}
