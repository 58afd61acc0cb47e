// Package observability exposes prometheus metrics for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the runtime's counters and gauges. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	runsStarted    prometheus.Counter
	runsErrored    prometheus.Counter
	runsActive     prometheus.Gauge
	toolExecutions *prometheus.CounterVec
	streamRetries  prometheus.Counter
	compactions    prometheus.Counter
}

// NewMetrics creates and registers the runtime metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "runs_started_total",
			Help:      "Agent runs admitted past the lane scheduler.",
		}),
		runsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "runs_errored_total",
			Help:      "Agent runs that ended with agent_error.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "runs_active",
			Help:      "Agent runs currently executing.",
		}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		streamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "stream_retries_total",
			Help:      "Provider stream calls retried after rate limiting.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "compactions_total",
			Help:      "Compaction checkpoints written.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.runsStarted,
			m.runsErrored,
			m.runsActive,
			m.toolExecutions,
			m.streamRetries,
			m.compactions,
		)
	}
	return m
}

// RunStarted records a run entering execution.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

// RunFinished records a run leaving execution (any outcome).
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

// RunErrored records a run ending in agent_error.
func (m *Metrics) RunErrored() {
	if m == nil {
		return
	}
	m.runsErrored.Inc()
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(tool string, isError bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
}

// StreamRetried records a retried provider call.
func (m *Metrics) StreamRetried() {
	if m == nil {
		return
	}
	m.streamRetries.Inc()
}

// CompactionPerformed records a persisted compaction checkpoint.
func (m *Metrics) CompactionPerformed() {
	if m == nil {
		return
	}
	m.compactions.Inc()
}
