package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func validExecution() *core.OrchestrationExecution {
	return &core.OrchestrationExecution{
		ID:           "exec",
		ProjectID:    "proj",
		Status:       core.StatusRunning,
		Config:       core.DefaultOrchestrationConfig(),
		CurrentPhase: core.StepDesign,
		Step:         core.NewStep(core.StepDesign),
		StartedAt:    time.Now(),
	}
}

func codes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(e *core.OrchestrationExecution)
		wantCodes []string
		wantError bool
	}{
		{name: "valid", mutate: func(*core.OrchestrationExecution) {}},
		{
			name:      "step index mismatch",
			mutate:    func(e *core.OrchestrationExecution) { e.Step.Index = 3 },
			wantCodes: []string{core.CodeIndexMismatch},
			wantError: true,
		},
		{
			name: "batch index gap",
			mutate: func(e *core.OrchestrationExecution) {
				e.Batches = core.BatchTracking{Total: 2, Items: []core.BatchItem{{Index: 0}, {Index: 2}}}
			},
			wantCodes: []string{core.CodeBatchInvariant},
			wantError: true,
		},
		{
			name: "cursor past pending batch",
			mutate: func(e *core.OrchestrationExecution) {
				e.Batches = core.BatchTracking{Total: 1, Current: 1, Items: []core.BatchItem{{Index: 0, Status: core.BatchPending}}}
			},
			wantCodes: []string{core.CodeBatchInvariant},
			wantError: true,
		},
		{
			name:      "needs attention without context",
			mutate:    func(e *core.OrchestrationExecution) { e.Status = core.StatusNeedsAttention },
			wantCodes: []string{core.CodeMissingRecovery},
		},
		{
			name:      "unknown status",
			mutate:    func(e *core.OrchestrationExecution) { e.Status = "exploded" },
			wantCodes: []string{core.CodeInvalidState},
			wantError: true,
		},
		{
			name:      "over budget while running",
			mutate:    func(e *core.OrchestrationExecution) { e.TotalCostUsd = 60 },
			wantCodes: []string{core.CodeBudgetExceeded},
		},
		{
			name:      "phase drift",
			mutate:    func(e *core.OrchestrationExecution) { e.CurrentPhase = core.StepVerify },
			wantCodes: []string{core.CodeInvalidState},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := validExecution()
			tt.mutate(exec)
			issues := Validate(exec)
			assert.ElementsMatch(t, tt.wantCodes, codes(issues))
			assert.Equal(t, tt.wantError, HasErrors(issues))
			if tt.wantError {
				assert.True(t, core.IsCategory(FirstError(issues), core.ErrCatState))
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Validate(nil))
	assert.NoError(t, FirstError(nil))
}
