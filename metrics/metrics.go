// Package metrics provides Prometheus instrumentation for the engine.
//
// The metrics track:
//   - Runs by outcome and their wall-clock duration
//   - Dispatcher hops per step and result
//   - Reflection and quality retries
//   - Capability invocations and latency
//   - Approval decisions and compactions
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	eng := engine.New(func(o *engine.Options) { o.Metrics = m })
//
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors.
type Metrics struct {
	// RunsTotal counts finished runs.
	// Labels: outcome (completed|suspended|failed|timeout)
	RunsTotal *prometheus.CounterVec

	// RunDuration measures run latency in seconds.
	// Labels: outcome
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns prometheus.Gauge

	// DispatchHops counts dispatcher hops.
	// Labels: step, result (next|suspended|terminal|failed)
	DispatchHops *prometheus.CounterVec

	// RetriesTotal counts loop retries.
	// Labels: loop (reflection|quality)
	RetriesTotal *prometheus.CounterVec

	// CapabilityCalls counts capability invocations.
	// Labels: capability, status (success|error)
	CapabilityCalls *prometheus.CounterVec

	// CapabilityDuration measures capability latency in seconds.
	// Labels: capability
	CapabilityDuration *prometheus.HistogramVec

	// ApprovalsTotal counts resolved approvals.
	// Labels: action, decision (approve|edit|reject)
	ApprovalsTotal *prometheus.CounterVec

	// CompactionsTotal counts compactions that changed a session.
	// Labels: action (summarized|truncated)
	CompactionsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_runs_total",
				Help: "Total number of runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragmesh_run_duration_seconds",
				Help:    "Duration of runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "ragmesh_active_runs",
			Help: "Number of runs currently executing",
		}),
		DispatchHops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_dispatch_hops_total",
				Help: "Total number of dispatcher hops by step and result",
			},
			[]string{"step", "result"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_retries_total",
				Help: "Total number of reflection and quality retries",
			},
			[]string{"loop"},
		),
		CapabilityCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_capability_calls_total",
				Help: "Total number of capability invocations",
			},
			[]string{"capability", "status"},
		),
		CapabilityDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragmesh_capability_duration_seconds",
				Help:    "Duration of capability invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"capability"},
		),
		ApprovalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_approvals_total",
				Help: "Total number of resolved approvals by action and decision",
			},
			[]string{"action", "decision"},
		),
		CompactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmesh_compactions_total",
				Help: "Total number of session compactions",
			},
			[]string{"action"},
		),
	}
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records the outcome of a run started with RunStarted.
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Hop records one dispatcher hop.
func (m *Metrics) Hop(step, result string) {
	if m == nil {
		return
	}
	m.DispatchHops.WithLabelValues(step, result).Inc()
}

// Retry records a loop retry.
func (m *Metrics) Retry(loop string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(loop).Inc()
}

// CapabilityCall records a capability invocation.
func (m *Metrics) CapabilityCall(name string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.CapabilityCalls.WithLabelValues(name, status).Inc()
	m.CapabilityDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Approval records a resolved approval.
func (m *Metrics) Approval(action, decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(action, decision).Inc()
}

// Compaction records a compaction that changed a session.
func (m *Metrics) Compaction(action string) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(action).Inc()
}
