// Package metrics exposes Prometheus collectors for authorization decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	rateLimitChecks *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweptRows       *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_authz_decisions_total",
				Help: "Authorization decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		decisionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_authz_decision_duration_seconds",
				Help:    "Time taken to reach an authorization decision",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15), // 50µs to ~0.8s
			},
			[]string{"outcome"},
		),
		rateLimitChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_checks_total",
				Help: "Rate limit checks by the tier that answered and result",
			},
			[]string{"source", "result"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_store_errors_total",
				Help: "Key store failures by operation",
			},
			[]string{"operation"},
		),
		sweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_sweep_runs_total",
				Help: "Sweeper runs by result",
			},
			[]string{"result"},
		),
		sweptRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_sweep_rows_total",
				Help: "Rows changed by the sweeper",
			},
			[]string{"kind"},
		),
	}
}

// RecordDecision records the outcome of one authorization.
func (m *Metrics) RecordDecision(allowed bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.decisionLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordRateLimitCheck records which tier answered a rate check.
func (m *Metrics) RecordRateLimitCheck(source string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.rateLimitChecks.WithLabelValues(source, result).Inc()
}

// RecordStoreError records a failed key store call.
func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

// RecordSweep records a sweeper run and the rows it touched.
func (m *Metrics) RecordSweep(err error, rows map[string]int64) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	for kind, n := range rows {
		m.sweptRows.WithLabelValues(kind).Add(float64(n))
	}
}
