package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	active := []ExecutionStatus{StatusRunning, StatusPaused, StatusWaitingMerge, StatusNeedsAttention}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ExecutionStatus("bogus").Valid())
}

func TestOrchestrationConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*OrchestrationConfig)
		wantErr bool
	}{
		{"defaults", func(*OrchestrationConfig) {}, false},
		{"skip known step", func(c *OrchestrationConfig) { c.SkipSteps = []StepName{StepAnalyze} }, false},
		{"skip unknown step", func(c *OrchestrationConfig) { c.SkipSteps = []StepName{"deploy"} }, true},
		{"negative heal attempts", func(c *OrchestrationConfig) { c.MaxHealAttempts = -1 }, true},
		{"negative batch size", func(c *OrchestrationConfig) { c.BatchSizeFallback = -3 }, true},
		{"negative budget", func(c *OrchestrationConfig) { c.Budget.HealingBudget = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultOrchestrationConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCategory(err, ErrCatValidation))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOrchestrationConfig_Skips(t *testing.T) {
	t.Parallel()
	cfg := OrchestrationConfig{SkipSteps: []StepName{StepDesign, StepVerify}}
	assert.True(t, cfg.Skips(StepDesign))
	assert.True(t, cfg.Skips(StepVerify))
	assert.False(t, cfg.Skips(StepImplement))
}

func TestOrchestrationConfig_NextActiveStep(t *testing.T) {
	t.Parallel()
	cfg := OrchestrationConfig{SkipSteps: []StepName{StepAnalyze, StepMerge}}
	assert.Equal(t, StepImplement, cfg.NextActiveStep(StepDesign))
	assert.Equal(t, StepVerify, cfg.NextActiveStep(StepImplement))
	assert.Equal(t, PhaseComplete, cfg.NextActiveStep(StepVerify))
	assert.Equal(t, StepDesign, cfg.FirstActiveStep())

	all := OrchestrationConfig{SkipSteps: AllSteps()}
	assert.Equal(t, PhaseComplete, all.FirstActiveStep())
}

func TestBatchTracking_Validate(t *testing.T) {
	t.Parallel()

	ok := BatchTracking{Total: 2, Current: 1, Items: []BatchItem{
		{Index: 0, Status: BatchCompleted},
		{Index: 1, Status: BatchPending},
	}}
	require.NoError(t, ok.Validate())

	badIndex := BatchTracking{Total: 2, Items: []BatchItem{{Index: 0}, {Index: 5}}}
	assert.Error(t, badIndex.Validate())

	badTotal := BatchTracking{Total: 3, Items: []BatchItem{{Index: 0}}}
	assert.Error(t, badTotal.Validate())

	cursorPastEnd := BatchTracking{Total: 1, Current: 1, Items: []BatchItem{{Index: 0, Status: BatchFailed}}}
	assert.Error(t, cursorPastEnd.Validate())

	allDone := BatchTracking{Total: 2, Current: 2, Items: []BatchItem{
		{Index: 0, Status: BatchCompleted},
		{Index: 1, Status: BatchHealed},
	}}
	require.NoError(t, allDone.Validate())
	assert.True(t, allDone.AllDone())
	assert.Nil(t, allDone.CurrentItem())
}

func TestExecution_CurrentSessionID(t *testing.T) {
	t.Parallel()

	e := &OrchestrationExecution{
		Step: NewStep(StepAnalyze),
		Executions: ExecutionLinks{Steps: map[StepName][]string{
			StepAnalyze: {"s1", "s2"},
		}},
	}
	assert.Equal(t, "s2", e.CurrentSessionID())

	e.Step = NewStep(StepImplement)
	assert.Equal(t, "", e.CurrentSessionID())

	e.Batches = BatchTracking{Total: 1, Items: []BatchItem{{Index: 0, WorkflowExecutionID: "b0"}}}
	assert.Equal(t, "b0", e.CurrentSessionID())
}

func TestExecution_CloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	orig := &OrchestrationExecution{
		ID: "e1",
		Batches: BatchTracking{Total: 1, Items: []BatchItem{{
			Index:        0,
			TaskIDs:      []string{"T001"},
			Dependencies: map[string][]string{"T002": {"T001"}},
			StartedAt:    &now,
		}}},
		Executions:      ExecutionLinks{Steps: map[StepName][]string{StepDesign: {"s1"}}},
		RecoveryContext: &RecoveryContext{Issue: "x", Options: []RecoveryOption{RecoveryRetry}},
	}
	orig.AppendDecision(now, "start", "started")

	c := orig.Clone()
	c.Batches.Items[0].TaskIDs[0] = "changed"
	c.Batches.Items[0].Dependencies["T002"][0] = "changed"
	c.Executions.Steps[StepDesign][0] = "changed"
	c.RecoveryContext.Options[0] = RecoveryAbort
	c.DecisionLog[0].Reason = "changed"

	assert.Equal(t, "T001", orig.Batches.Items[0].TaskIDs[0])
	assert.Equal(t, "T001", orig.Batches.Items[0].Dependencies["T002"][0])
	assert.Equal(t, "s1", orig.Executions.Steps[StepDesign][0])
	assert.Equal(t, RecoveryRetry, orig.RecoveryContext.Options[0])
	assert.Equal(t, "started", orig.DecisionLog[0].Reason)
}

func TestExecution_RemainingHealingBudget(t *testing.T) {
	t.Parallel()
	e := &OrchestrationExecution{Config: DefaultOrchestrationConfig()}
	e.HealingCostUsd = 0.5
	assert.InDelta(t, 1.5, e.RemainingHealingBudget(), 1e-9)
	e.HealingCostUsd = 5
	assert.Equal(t, 0.0, e.RemainingHealingBudget())
}

func TestParseRecoveryOption(t *testing.T) {
	t.Parallel()
	opt, err := ParseRecoveryOption("retry")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRetry, opt)
	_, err = ParseRecoveryOption("ignore")
	assert.Error(t, err)
}
