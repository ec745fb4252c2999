package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

func trackingFromPlan(plan *planner.Plan) core.BatchTracking {
	tracking := core.BatchTracking{Items: make([]core.BatchItem, 0, len(plan.Batches))}
	for i, b := range plan.Batches {
		item := core.BatchItem{
			Index:   i,
			Section: b.Name,
			TaskIDs: append([]string(nil), b.TaskIDs...),
			Status:  core.BatchPending,
		}
		if len(b.Dependencies) > 0 {
			item.Dependencies = make(map[string][]string, len(b.Dependencies))
			for k, v := range b.Dependencies {
				item.Dependencies[k] = append([]string(nil), v...)
			}
		}
		tracking.Items = append(tracking.Items, item)
	}
	tracking.Total = len(tracking.Items)
	return tracking
}

func batchAt(exec *core.OrchestrationExecution, index int) (*core.BatchItem, error) {
	if index < 0 || index >= len(exec.Batches.Items) {
		return nil, core.ErrValidation(core.CodeBatchInvariant,
			fmt.Sprintf("batch %d out of range (%d batches)", index, len(exec.Batches.Items)))
	}
	return &exec.Batches.Items[index], nil
}

// advanceCursor moves the cursor past a finished batch and pauses when configured.
func advanceCursor(exec *core.OrchestrationExecution, index int) string {
	if exec.Batches.Current != index {
		return ""
	}
	exec.Batches.Current = index + 1
	if exec.Batches.Current < exec.Batches.Total && exec.Config.PauseBetweenBatches && exec.Status == core.StatusRunning {
		exec.Status = core.StatusPaused
		return "; paused before next batch"
	}
	return ""
}

// InitializeBatches attaches a batch plan to an execution in the implement
// step. An empty plan completes the step since nothing is left to implement.
func (s *Service) InitializeBatches(ctx context.Context, id core.ExecutionID, plan *planner.Plan) (*core.OrchestrationExecution, error) {
	if plan == nil {
		return nil, core.ErrValidation(core.CodeInvalidState, "batch plan is required")
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() || exec.Step.Current != core.StepImplement || len(exec.Batches.Items) > 0 {
			return "", "", false, nil
		}
		if len(plan.Batches) == 0 {
			exec.Batches = core.BatchTracking{}
			exec.Step.Status = core.StepComplete
			return "initialize_batches", "No incomplete tasks; implement step complete", true, nil
		}
		exec.Batches = trackingFromPlan(plan)
		reason := fmt.Sprintf("%d batches planned for %d tasks", exec.Batches.Total, plan.TotalIncomplete)
		if plan.UsedFallback {
			reason += fmt.Sprintf(" (fallback size %d)", plan.FallbackSize)
		}
		if n := len(plan.DependencyWarnings); n > 0 {
			reason += fmt.Sprintf("; %d dependency warnings", n)
		}
		return "initialize_batches", reason, true, nil
	})
}

// AdvanceBatch moves the cursor to index once the batch before it is done.
func (s *Service) AdvanceBatch(ctx context.Context, id core.ExecutionID, index int, pauseAfter bool) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning || index <= 0 || index >= exec.Batches.Total {
			return "", "", false, nil
		}
		if exec.Batches.Current == index || !exec.Batches.Items[index-1].Status.IsDone() {
			return "", "", false, nil
		}
		exec.Batches.Current = index
		reason := fmt.Sprintf("Advancing to batch %d (%s)", index, exec.Batches.Items[index].Section)
		if pauseAfter {
			exec.Status = core.StatusPaused
			reason += "; paused before next batch"
		}
		return "advance_batch", reason, true, nil
	})
}

// CompleteBatch marks a batch completed and advances the cursor past it.
func (s *Service) CompleteBatch(ctx context.Context, id core.ExecutionID, index int) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		item, err := batchAt(exec, index)
		if err != nil {
			return "", "", false, err
		}
		if item.Status != core.BatchRunning && item.Status != core.BatchPending {
			return "", "", false, nil
		}
		item.Status = core.BatchCompleted
		t := now
		item.CompletedAt = &t
		suffix := advanceCursor(exec, index)
		return "complete_batch", fmt.Sprintf("Batch %d (%s) completed%s", index, item.Section, suffix), true, nil
	})
}

// FailBatch marks a batch failed.
func (s *Service) FailBatch(ctx context.Context, id core.ExecutionID, index int, reason string) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		item, err := batchAt(exec, index)
		if err != nil {
			return "", "", false, err
		}
		if item.Status != core.BatchRunning && item.Status != core.BatchPending {
			return "", "", false, nil
		}
		item.Status = core.BatchFailed
		t := now
		item.CompletedAt = &t
		msg := fmt.Sprintf("Batch %d (%s) failed", index, item.Section)
		if reason != "" {
			msg += ": " + reason
		}
		return "fail_batch", msg, true, nil
	})
}

// HealBatch marks a failed batch healed and advances the cursor past it.
func (s *Service) HealBatch(ctx context.Context, id core.ExecutionID, index int, healerSessionID string) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		item, err := batchAt(exec, index)
		if err != nil {
			return "", "", false, err
		}
		if item.Status != core.BatchFailed {
			return "", "", false, nil
		}
		item.Status = core.BatchHealed
		if healerSessionID != "" {
			item.HealerExecutionID = healerSessionID
		}
		t := now
		item.CompletedAt = &t
		suffix := advanceCursor(exec, index)
		return "heal_batch", fmt.Sprintf("Batch %d (%s) healed%s", index, item.Section, suffix), true, nil
	})
}

// IncrementHealAttempt counts one heal attempt on a failed batch, refusing
// once CanHealBatch is false.
func (s *Service) IncrementHealAttempt(ctx context.Context, id core.ExecutionID, index int) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning {
			return "", "", false, nil
		}
		item, err := batchAt(exec, index)
		if err != nil {
			return "", "", false, err
		}
		if item.Status != core.BatchFailed || !CanHealBatch(exec, index) {
			return "", "", false, nil
		}
		item.HealAttempts++
		return "heal_attempt", fmt.Sprintf("Heal attempt %d/%d for batch %d",
			item.HealAttempts, exec.Config.MaxHealAttempts, index), true, nil
	})
}

// CanHealBatch reports whether the batch has heal attempts left.
func CanHealBatch(exec *core.OrchestrationExecution, index int) bool {
	if exec == nil || index < 0 || index >= len(exec.Batches.Items) {
		return false
	}
	return exec.Batches.Items[index].HealAttempts < exec.Config.MaxHealAttempts
}

// CanHealBatch loads the execution and reports whether the batch has heal attempts left.
func (s *Service) CanHealBatch(ctx context.Context, id core.ExecutionID, index int) (bool, error) {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if exec == nil {
		return false, core.ErrNotFound("execution", string(id))
	}
	return CanHealBatch(exec, index), nil
}
