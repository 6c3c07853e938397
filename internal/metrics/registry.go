// Package metrics exposes the Prometheus instrumentation surface for
// the bias engine, grounded on the teacher's
// internal/interfaces/http/metrics.go MetricsRegistry — trimmed to this
// domain's counters/gauges. Only the broadcast and scheduler metrics are
// updated by the engine's components; the rest are registered and
// exported without recorded values.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the engine registers.
type Registry struct {
	FactorReadingsIngested *prometheus.CounterVec
	FactorReadingsRejected *prometheus.CounterVec

	CompositeRecomputeDuration prometheus.Histogram
	CompositeBiasLevel         prometheus.Gauge
	CompositeConfidence        *prometheus.GaugeVec

	BreakerEngagements *prometheus.CounterVec
	BreakerEngaged     prometheus.Gauge

	SignalsScored     *prometheus.CounterVec
	OutcomesRecorded  *prometheus.CounterVec

	BroadcastSubscribers prometheus.Gauge
	BroadcastDropped     *prometheus.CounterVec

	SchedulerJobRuns    *prometheus.CounterVec
	SchedulerJobSkipped *prometheus.CounterVec
}

// NewRegistry constructs and registers every metric with the default
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		FactorReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_factor_readings_ingested_total",
				Help: "Total accepted factor readings by factor_id",
			},
			[]string{"factor_id"},
		),
		FactorReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_factor_readings_rejected_total",
				Help: "Total rejected factor readings by reason code",
			},
			[]string{"reason"},
		),
		CompositeRecomputeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "biasengine_composite_recompute_duration_seconds",
				Help:    "Duration of a composite bias recompute",
				Buckets: prometheus.DefBuckets,
			},
		),
		CompositeBiasLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biasengine_composite_bias_level",
				Help: "Current composite bias level, -2 (strong bearish) to 2 (strong bullish)",
			},
		),
		CompositeConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "biasengine_composite_confidence",
				Help: "1 if the current confidence level is the labeled value, else 0",
			},
			[]string{"level"},
		),
		BreakerEngagements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_breaker_engagements_total",
				Help: "Total circuit breaker engagements by trigger",
			},
			[]string{"trigger"},
		),
		BreakerEngaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biasengine_breaker_engaged",
				Help: "1 if the circuit breaker is currently engaged",
			},
		),
		SignalsScored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_signals_scored_total",
				Help: "Total signals scored by signal_type and confidence",
			},
			[]string{"signal_type", "confidence"},
		),
		OutcomesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_outcomes_recorded_total",
				Help: "Total terminal outcomes recorded by outcome",
			},
			[]string{"outcome"},
		),
		BroadcastSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biasengine_broadcast_subscribers",
				Help: "Current number of active broadcast subscribers",
			},
		),
		BroadcastDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_broadcast_dropped_total",
				Help: "Total events dropped due to a full subscriber backlog, by topic",
			},
			[]string{"topic"},
		),
		SchedulerJobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_scheduler_job_runs_total",
				Help: "Total scheduler job executions by job and result",
			},
			[]string{"job", "result"},
		),
		SchedulerJobSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biasengine_scheduler_job_skipped_total",
				Help: "Total scheduler ticks skipped because the previous run was still in flight",
			},
			[]string{"job"},
		),
	}

	prometheus.MustRegister(
		r.FactorReadingsIngested,
		r.FactorReadingsRejected,
		r.CompositeRecomputeDuration,
		r.CompositeBiasLevel,
		r.CompositeConfidence,
		r.BreakerEngagements,
		r.BreakerEngaged,
		r.SignalsScored,
		r.OutcomesRecorded,
		r.BroadcastSubscribers,
		r.BroadcastDropped,
		r.SchedulerJobRuns,
		r.SchedulerJobSkipped,
	)

	return r
}

// Handler returns the standard Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
