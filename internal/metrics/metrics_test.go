package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndGather(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDecision("spawn")
	m.RecordDecision("spawn")
	m.RecordDecision("wait")
	m.RecordSpawn("implement", "ok")
	m.RecordHeal("fixed")
	m.RecordLookupFailure()
	m.RecordCost("session", 1.25)
	m.RecordCost("session", 0)
	m.LoopStarted()
	m.LoopStarted()
	m.LoopStopped()
	m.ObserveEvaluation(20 * time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("spawn")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SpawnsTotal.WithLabelValues("implement", "ok")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LookupFailuresTotal), 1e-9)
	assert.InDelta(t, 1.25, testutil.ToFloat64(m.CostUsdTotal.WithLabelValues("session")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActiveLoops), 1e-9)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["specflow_decisions_total"])
	assert.True(t, names["specflow_evaluation_duration_seconds"])
}

func TestMetrics_NopIsUsable(t *testing.T) {
	t.Parallel()
	m := NewNop()
	m.RecordDecision("idle")
	m.RecordHeal("error")
	assert.InDelta(t, 1, testutil.ToFloat64(m.HealsTotal.WithLabelValues("error")), 1e-9)
}
