// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the runner.
type Metrics struct {
	DecisionsTotal      *prometheus.CounterVec
	SpawnsTotal         *prometheus.CounterVec
	HealsTotal          *prometheus.CounterVec
	LookupFailuresTotal prometheus.Counter
	ActiveLoops         prometheus.Gauge
	EvaluationDuration  prometheus.Histogram
	CostUsdTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
//
// Metrics:
//   - specflow_decisions_total{action} - decisions taken by the runner
//   - specflow_spawns_total{step,result} - external session starts
//   - specflow_heals_total{result} - healing attempts by outcome
//   - specflow_lookup_failures_total - failed session status lookups
//   - specflow_active_loops - runner loops currently supervised
//   - specflow_evaluation_duration_seconds - time spent per loop iteration
//   - specflow_cost_usd_total{kind} - recorded spend
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specflow_decisions_total",
				Help: "Total number of orchestration decisions by action",
			},
			[]string{"action"},
		),
		SpawnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specflow_spawns_total",
				Help: "Total number of external session starts",
			},
			[]string{"step", "result"}, // result: ok, error, skipped
		),
		HealsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specflow_heals_total",
				Help: "Total number of healing attempts by outcome",
			},
			[]string{"result"}, // fixed, partial, failed, error
		),
		LookupFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "specflow_lookup_failures_total",
				Help: "Total number of failed session status lookups",
			},
		),
		ActiveLoops: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "specflow_active_loops",
				Help: "Number of runner loops currently supervised",
			},
		),
		EvaluationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "specflow_evaluation_duration_seconds",
				Help:    "Duration of one runner evaluation in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),
		CostUsdTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specflow_cost_usd_total",
				Help: "Total recorded spend in USD",
			},
			[]string{"kind"}, // session, healing
		),
	}
}

// NewNop returns collectors that are not registered anywhere.
func NewNop() *Metrics {
	return New(nil)
}

// RecordDecision counts one decision.
func (m *Metrics) RecordDecision(action string) {
	m.DecisionsTotal.WithLabelValues(action).Inc()
}

// RecordSpawn counts one session start attempt.
func (m *Metrics) RecordSpawn(step, result string) {
	m.SpawnsTotal.WithLabelValues(step, result).Inc()
}

// RecordHeal counts one healing attempt.
func (m *Metrics) RecordHeal(result string) {
	m.HealsTotal.WithLabelValues(result).Inc()
}

// RecordLookupFailure counts one failed status lookup.
func (m *Metrics) RecordLookupFailure() {
	m.LookupFailuresTotal.Inc()
}

// RecordCost adds spend of the given kind.
func (m *Metrics) RecordCost(kind string, usd float64) {
	if usd > 0 {
		m.CostUsdTotal.WithLabelValues(kind).Add(usd)
	}
}

// ObserveEvaluation records the duration of one loop iteration.
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	m.EvaluationDuration.Observe(d.Seconds())
}

// LoopStarted increments the active loop gauge.
func (m *Metrics) LoopStarted() {
	m.ActiveLoops.Inc()
}

// LoopStopped decrements the active loop gauge.
func (m *Metrics) LoopStopped() {
	m.ActiveLoops.Dec()
}
