// Package metrics registers the service's Prometheus collectors. Metric and
// label names are plain domain terms; label values that come from strategy
// codes are already neutral.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

var (
	// Allocations counts allocate calls by whether a new row was created.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_allocations_total",
		Help: "Allocate calls by outcome (new, existing)",
	}, []string{"outcome"})

	// AllocationConflicts counts allocate races lost to a concurrent writer.
	AllocationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_allocation_conflicts_total",
		Help: "Allocations resolved in favor of a concurrent first writer",
	})

	// Conversions counts conversion calls by outcome (recorded, duplicate, missing).
	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_conversions_total",
		Help: "Conversion calls by outcome",
	}, []string{"outcome"})

	// IntegrityFailures counts state blobs that failed authentication.
	IntegrityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_integrity_failures_total",
		Help: "Encrypted state blobs that failed authentication, by operation",
	}, []string{"operation"})

	// SelectDuration tracks strategy selection latency.
	SelectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_select_duration_seconds",
		Help:    "Strategy selection latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	}, []string{"strategy"})

	// FunnelEvents counts funnel session lifecycle events.
	FunnelEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_funnel_events_total",
		Help: "Funnel session events (started, step, advanced, completed, converted, reaped)",
	}, []string{"event"})

	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_http_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks API latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// ActiveExperiments is refreshed by the health checker.
	ActiveExperiments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optimizer_active_experiments",
		Help: "Experiments in the active state at the last health check",
	})

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optimizer_breaker_state",
		Help: "Circuit breaker position per backend",
	}, []string{"backend"})
)

// ObserveSelect records a selection latency.
func ObserveSelect(strategy string, started time.Time) {
	SelectDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
}

// CountIntegrity bumps IntegrityFailures when err is an Integrity error and
// returns err unchanged.
func CountIntegrity(operation string, err error) error {
	if apperr.Is(err, apperr.Integrity) {
		IntegrityFailures.WithLabelValues(operation).Inc()
	}
	return err
}
