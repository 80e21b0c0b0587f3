package metrics

import (
	"time"
)

// ClientMetrics provides observability for SMB client connections.
//
// Implementations collect metrics about connection lifecycle, requests,
// credit flow and DFS resolution. This interface is optional - pass nil to
// disable metrics collection with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	pool := client.NewPool(cfg, client.Deps{Metrics: metrics.NewClientMetrics()})
//
//	// Without metrics
//	pool := client.NewPool(cfg, client.Deps{})
type ClientMetrics interface {
	// RecordConnectionOpened is called once a connection finished negotiating.
	//
	// Parameters:
	//   - server: Server host name
	//   - dialect: Negotiated dialect (e.g., "3.1.1")
	RecordConnectionOpened(server string, dialect string)

	// RecordConnectionClosed is called when a negotiated connection is torn down.
	RecordConnectionClosed(server string)

	// RecordConnectionFailed is called when dialing or negotiation fails.
	//
	// Parameters:
	//   - server: Server host name
	//   - stage: "dial", "netbios" or "negotiate"
	RecordConnectionFailed(server string, stage string)

	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - command: SMB command name (e.g., "TREE_CONNECT")
	//   - status: NT status name, or "transport_error"
	//   - duration: Time from send to response
	RecordRequest(command string, status string, duration time.Duration)

	// SetCreditsAvailable updates the credits currently granted and unused.
	SetCreditsAvailable(server string, credits int)

	// RecordCreditWait records time spent blocked waiting for credits.
	RecordCreditWait(duration time.Duration)

	// RecordCreditTimeout counts requests that gave up waiting for credits.
	RecordCreditTimeout()

	// RecordReferral counts DFS referral lookups.
	//
	// Parameters:
	//   - outcome: "cached", "resolved" or "error"
	RecordReferral(outcome string)

	// RecordResync counts receive-loop resynchronizations.
	RecordResync(server string)
}

// NewClientMetrics creates a Prometheus-backed ClientMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called) or the
// prometheus implementation was not linked in.
func NewClientMetrics() ClientMetrics {
	if !IsEnabled() || newPrometheusClientMetrics == nil {
		return nil
	}
	return newPrometheusClientMetrics()
}

// newPrometheusClientMetrics is implemented in pkg/metrics/prometheus/client.go
// This indirection avoids import cycles while keeping the API clean
var newPrometheusClientMetrics func() ClientMetrics

// RegisterClientMetricsConstructor registers the Prometheus client metrics
// constructor. Called by pkg/metrics/prometheus during package initialization.
func RegisterClientMetricsConstructor(constructor func() ClientMetrics) {
	newPrometheusClientMetrics = constructor
}

// RecordRequest records a request if m is non-nil.
func RecordRequest(m ClientMetrics, command, status string, duration time.Duration) {
	if m != nil {
		m.RecordRequest(command, status, duration)
	}
}

// SetCreditsAvailable updates the credit gauge if m is non-nil.
func SetCreditsAvailable(m ClientMetrics, server string, credits int) {
	if m != nil {
		m.SetCreditsAvailable(server, credits)
	}
}

// RecordCreditWait records a credit wait if m is non-nil.
func RecordCreditWait(m ClientMetrics, duration time.Duration) {
	if m != nil {
		m.RecordCreditWait(duration)
	}
}

// RecordCreditTimeout counts a credit timeout if m is non-nil.
func RecordCreditTimeout(m ClientMetrics) {
	if m != nil {
		m.RecordCreditTimeout()
	}
}

// RecordReferral counts a referral lookup if m is non-nil.
func RecordReferral(m ClientMetrics, outcome string) {
	if m != nil {
		m.RecordReferral(outcome)
	}
}

// RecordResync counts a resynchronization if m is non-nil.
func RecordResync(m ClientMetrics, server string) {
	if m != nil {
		m.RecordResync(server)
	}
}

// RecordConnectionOpened records a negotiated connection if m is non-nil.
func RecordConnectionOpened(m ClientMetrics, server, dialect string) {
	if m != nil {
		m.RecordConnectionOpened(server, dialect)
	}
}

// RecordConnectionClosed records a closed connection if m is non-nil.
func RecordConnectionClosed(m ClientMetrics, server string) {
	if m != nil {
		m.RecordConnectionClosed(server)
	}
}

// RecordConnectionFailed records a failed connection attempt if m is non-nil.
func RecordConnectionFailed(m ClientMetrics, server, stage string) {
	if m != nil {
		m.RecordConnectionFailed(server, stage)
	}
}
