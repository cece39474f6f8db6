// Package metrics declares the kernel's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the kernel's gauges, counters and histograms. No package
// in this module constructs a Metrics or records to its fields.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	PhaseDuration       *prometheus.HistogramVec
	StepAttempts        *prometheus.HistogramVec
	BudgetRejections    *prometheus.CounterVec
	PolicyDenials       *prometheus.CounterVec
	SSESubscribers      prometheus.Gauge
	ChainVerifyFailures prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wmag_runs_total",
			Help: "Total number of runs by terminal state.",
		}, []string{"state"}),

		PhaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wmag_phase_duration_seconds",
			Help:    "Histogram of per-phase durations.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"phase"}),

		StepAttempts: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wmag_step_attempts",
			Help:    "Histogram of attempts taken per executed step.",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}, []string{"action_id", "status"}),

		BudgetRejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wmag_budget_rejections_total",
			Help: "Total number of budget_exceeded rejections by metric.",
		}, []string{"metric"}),

		PolicyDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wmag_policy_denials_total",
			Help: "Total number of policy_denied verdicts by phase.",
		}, []string{"phase"}),

		SSESubscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wmag_sse_subscribers",
			Help: "Current number of live SSE subscribers across all runs.",
		}),

		ChainVerifyFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wmag_chain_verify_failures_total",
			Help: "Total number of verify_chain calls that returned ok=false.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "wmag_circuit_breaker_state",
			Help: "Current state of the executor's tool-adapter circuit breaker (0=closed, 1=open).",
		}, []string{"tool_id"}),
	}
}
