// Package metrics provides Prometheus metrics for the credential lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smallbiznis/fitlink/internal/domain"
)

const namespace = "fitlink"

// Result labels for metrics.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultCached      = "cached"
	ResultNotNeeded   = "not_needed"
	ResultLocked      = "locked"
	ResultRateLimited = "rate_limited"
)

// Registry holds every collector exposed on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// RefreshTotal counts refresh attempts by source and outcome.
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Total number of token refresh attempts",
		},
		[]string{"source", "result"},
	)

	// RefreshDuration observes end-to-end refresh latency.
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of token refresh attempts",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// CircuitStateGauge reports breaker state (0=closed, 1=half-open, 2=open).
	CircuitStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// RateLimitRejectionsTotal counts rejected requests by route and reason.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"route", "reason"},
	)

	// RateLimitFailOpenTotal counts checks allowed because the store failed.
	RateLimitFailOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Total number of rate limit checks allowed because the store was unavailable",
		},
	)

	// LockContentionTotal counts refreshes that lost the per-owner lock.
	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Total number of lock acquisitions that were not granted",
		},
		[]string{"reason"},
	)

	// KeyFallbackTotal counts uses of the static fallback encryption key.
	KeyFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "key_fallback_total",
			Help:      "Total number of key fetches served by the static fallback",
		},
	)

	// AuditWriteFailuresTotal counts audit events that could not be stored.
	AuditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Total number of audit events that failed to persist",
		},
	)

	// SchedulerOwnersTotal counts owners processed by scheduler sweeps.
	SchedulerOwnersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "owners_total",
			Help:      "Total number of owners processed by scheduler sweeps",
		},
		[]string{"result"},
	)

	// SchedulerLastSweepGauge records when the last sweep finished.
	SchedulerLastSweepGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed scheduler sweep",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RefreshTotal,
		RefreshDuration,
		CircuitStateGauge,
		RateLimitRejectionsTotal,
		RateLimitFailOpenTotal,
		LockContentionTotal,
		KeyFallbackTotal,
		AuditWriteFailuresTotal,
		SchedulerOwnersTotal,
		SchedulerLastSweepGauge,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveRefresh records one refresh attempt.
func ObserveRefresh(source, result string, elapsed time.Duration) {
	RefreshTotal.WithLabelValues(source, result).Inc()
	RefreshDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// SetCircuitState publishes the breaker state for name.
func SetCircuitState(name string, state domain.CircuitStatus) {
	var v float64
	switch state {
	case domain.CircuitHalfOpen:
		v = 1
	case domain.CircuitOpen:
		v = 2
	}
	CircuitStateGauge.WithLabelValues(name).Set(v)
}

// IncRateLimitRejection records a rejected request.
func IncRateLimitRejection(route, reason string) {
	RateLimitRejectionsTotal.WithLabelValues(route, reason).Inc()
}

// IncRateLimitFailOpen records a check that was allowed by degradation.
func IncRateLimitFailOpen() {
	RateLimitFailOpenTotal.Inc()
}

// IncLockContention records a lock that was not granted.
func IncLockContention(reason string) {
	LockContentionTotal.WithLabelValues(reason).Inc()
}

// IncKeyFallback records a fallback key use.
func IncKeyFallback() {
	KeyFallbackTotal.Inc()
}

// IncAuditWriteFailure records a lost audit event.
func IncAuditWriteFailure() {
	AuditWriteFailuresTotal.Inc()
}

// ObserveSweep records the owner outcomes of one scheduler sweep.
func ObserveSweep(succeeded, failed, cached, notNeeded int, finished time.Time) {
	SchedulerOwnersTotal.WithLabelValues(ResultSuccess).Add(float64(succeeded))
	SchedulerOwnersTotal.WithLabelValues(ResultFailure).Add(float64(failed))
	SchedulerOwnersTotal.WithLabelValues(ResultCached).Add(float64(cached))
	SchedulerOwnersTotal.WithLabelValues(ResultNotNeeded).Add(float64(notNeeded))
	SchedulerLastSweepGauge.Set(float64(finished.Unix()))
}
