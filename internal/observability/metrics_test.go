package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished()
	m.RunErrored()
	m.ToolExecuted("read", false)
	m.StreamRetried()
	m.CompactionPerformed()
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunFinished()
	m.ToolExecuted("read", true)

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Errorf("runs_started_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runsActive); got != 1 {
		t.Errorf("runs_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.toolExecutions.WithLabelValues("read", "error")); got != 1 {
		t.Errorf("tool_executions_total{read,error} = %v, want 1", got)
	}
}
