// Package metrics exposes Prometheus collectors for backtest runs and the
// market-data provider.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// Registry holds all Prometheus metrics for alphaforge
type Registry struct {
	gatherer prometheus.Gatherer

	// Stage duration metrics
	StepDuration *prometheus.HistogramVec

	// Run lifecycle
	Runs        *prometheus.CounterVec
	ActiveRuns  prometheus.Gauge
	RunDuration *prometheus.HistogramVec

	// Walk-forward decisions
	Rebalances *prometheus.CounterVec
	EventFlags *prometheus.CounterVec
	Turnover   prometheus.Histogram
	CostDrag   prometheus.Histogram

	// Provider calls
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
}

// NewRegistry creates the collectors and registers them with reg. A nil reg
// uses a fresh private registry.
func NewRegistry(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Registry{
		gatherer: reg,

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphaforge_step_duration_seconds",
				Help:    "Duration of each run stage in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"step", "result"},
		),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphaforge_runs_total",
				Help: "Total number of backtest runs by terminal state",
			},
			[]string{"state"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alphaforge_active_runs",
				Help: "Number of backtest runs currently executing",
			},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphaforge_run_duration_seconds",
				Help:    "Wall-clock duration of completed backtest runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"mode"},
		),

		Rebalances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphaforge_rebalance_events_total",
				Help: "Total number of rebalance decisions by action",
			},
			[]string{"action"},
		),

		EventFlags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphaforge_rebalance_flags_total",
				Help: "Degraded rebalance decisions by flag",
			},
			[]string{"flag"},
		),

		Turnover: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alphaforge_rebalance_turnover",
				Help:    "Turnover of each rebalance as a fraction of equity",
				Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2},
			},
		),

		CostDrag: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alphaforge_rebalance_cost",
				Help:    "Transaction cost drag charged per rebalance",
				Buckets: []float64{0, 0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01},
			},
		),

		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphaforge_provider_calls_total",
				Help: "Market-data provider calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphaforge_provider_call_duration_seconds",
				Help:    "Latency of market-data provider calls including retries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(
		r.StepDuration,
		r.Runs,
		r.ActiveRuns,
		r.RunDuration,
		r.Rebalances,
		r.EventFlags,
		r.Turnover,
		r.CostDrag,
		r.ProviderCalls,
		r.ProviderDuration,
	)
	return r
}

// StepTimer tracks execution time for a run stage
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a stage
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: r, step: step, start: time.Now()}
}

// Stop records the stage duration under result
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Run step completed")
}

// RunStarted marks a run as executing
func (r *Registry) RunStarted() {
	r.ActiveRuns.Inc()
}

// RunFinished records the terminal state of a run
func (r *Registry) RunFinished(state, mode string, elapsed time.Duration) {
	r.ActiveRuns.Dec()
	r.Runs.WithLabelValues(state).Inc()
	if elapsed > 0 {
		r.RunDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	}
}

// ObserveRebalance counts a walk-forward decision
func (r *Registry) ObserveRebalance(ev domain.RebalanceEvent) {
	r.Rebalances.WithLabelValues(ev.Action.String()).Inc()
	for _, flag := range ev.Flags {
		r.EventFlags.WithLabelValues(flag).Inc()
	}
	if ev.Action == domain.ActionRebalance {
		r.Turnover.Observe(ev.Turnover)
		r.CostDrag.Observe(ev.Cost)
	}
}

// ObserveProviderCall records one provider call outcome
func (r *Registry) ObserveProviderCall(operation, outcome string, elapsed time.Duration) {
	r.ProviderCalls.WithLabelValues(operation, outcome).Inc()
	r.ProviderDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
