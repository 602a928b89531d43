// Package metrics exposes the Prometheus instrumentation for the safety
// service. Metrics are registered once via promauto on the default registry
// and served from the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP surface

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "handler", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clinsafe",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "handler"},
	)

	// Evaluation engine

	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "evaluation",
			Name:      "total",
			Help:      "Safety evaluations by hook and resulting color",
		},
		[]string{"hook", "color"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clinsafe",
			Subsystem: "evaluation",
			Name:      "duration_seconds",
			Help:      "End to end evaluation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)

	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "evaluation",
			Name:      "alerts_total",
			Help:      "Alerts surfaced to clinicians by rule severity",
		},
		[]string{"severity"},
	)

	RuleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "evaluation",
			Name:      "rule_failures_total",
			Help:      "Rule evaluators that errored or panicked, by rule",
		},
		[]string{"rule_id"},
	)

	// Override workflow

	OverridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "override",
			Name:      "total",
			Help:      "Override submissions by outcome",
		},
		[]string{"outcome"}, // recorded, rejected_justification, rejected_policy
	)

	// Audit ledger

	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Ledger appends by event type and result",
		},
		[]string{"event_type", "result"},
	)

	SecurityAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "audit",
			Name:      "security_alerts_total",
			Help:      "Security alerts raised by anomaly detection",
		},
		[]string{"kind", "severity"},
	)

	ChainVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinsafe",
			Subsystem: "audit",
			Name:      "chain_verifications_total",
			Help:      "Chain verification runs by outcome",
		},
		[]string{"outcome"}, // valid, broken
	)
)

// ObserveHTTPRequest records one served request
func ObserveHTTPRequest(method, handler, status string, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, handler, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, handler).Observe(elapsed.Seconds())
}
