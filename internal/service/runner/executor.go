package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/decision"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/healing"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

// execute applies an action. Every kind is handled explicitly.
func (r *Runner) execute(ctx context.Context, exec *core.OrchestrationExecution, a decision.Action, log *logging.Logger) (step, error) {
	switch a.Kind {
	case decision.ActionIdle, decision.ActionWait, decision.ActionPause:
		return step{}, nil

	case decision.ActionWaitMerge:
		if exec.Status == core.StatusWaitingMerge {
			return step{}, nil
		}
		_, err := r.deps.State.TransitionToNextPhase(ctx, exec.ID)
		return step{}, err

	case decision.ActionSpawn:
		return r.spawn(ctx, exec, a, "", log)

	case decision.ActionTransition, decision.ActionComplete:
		updated, err := r.deps.State.TransitionToNextPhase(ctx, exec.ID)
		if err != nil {
			return step{}, err
		}
		if a.Kind == decision.ActionComplete {
			if updated != nil && updated.Status == core.StatusCompleted {
				log.Info("orchestration completed", "total_cost_usd", updated.TotalCostUsd)
			}
			return step{stop: true}, nil
		}
		// The new step spawns on the follow-up evaluation.
		return step{immediate: updated != nil}, nil

	case decision.ActionInitializeBatches:
		return r.initializeBatches(ctx, exec, log)

	case decision.ActionAdvanceBatch:
		updated, err := r.deps.State.AdvanceBatch(ctx, exec.ID, a.BatchIndex, a.PauseAfter)
		return step{immediate: updated != nil}, err

	case decision.ActionForceStepComplete:
		updated, err := r.deps.State.ForceStepComplete(ctx, exec.ID)
		return step{immediate: updated != nil}, err

	case decision.ActionHealBatch:
		return r.healBatch(ctx, exec, a, log)

	case decision.ActionHeal:
		updated, err := r.deps.State.RetryStep(ctx, exec.ID)
		return step{immediate: updated != nil}, err

	case decision.ActionRecoverStale:
		return r.recoverStale(ctx, exec, a, log)

	case decision.ActionNeedsAttention:
		_, err := r.deps.State.MarkNeedsAttention(ctx, exec.ID, a.Reason, a.RecoveryOptions, a.FailedWorkflowID)
		return step{stop: true}, err

	case decision.ActionFail:
		_, err := r.deps.State.Fail(ctx, exec.ID, a.Reason)
		return step{stop: true}, err

	default:
		return step{}, core.ErrInternal(core.CodeUnknownAction, fmt.Sprintf("unknown action %q", a.Kind))
	}
}

// spawn starts an external session under the spawn guard and links it.
// A spawn already in flight for the execution makes this a no-op.
func (r *Runner) spawn(ctx context.Context, exec *core.OrchestrationExecution, a decision.Action, resumeID string, log *logging.Logger) (step, error) {
	release, ok, err := r.deps.Guard.TryAcquire(exec.ID)
	if err != nil {
		return step{}, err
	}
	if !ok {
		log.Info("spawn already in progress; skipping", "step", string(a.Step))
		r.deps.Metrics.RecordSpawn(string(a.Step), "skipped")
		return step{}, nil
	}
	defer release()

	// Another evaluation may have linked a session while we decided.
	fresh, err := r.deps.State.Get(ctx, exec.ID)
	if err != nil {
		return step{}, err
	}
	if fresh == nil || fresh.Status != core.StatusRunning || fresh.CurrentSessionID() != exec.CurrentSessionID() {
		r.deps.Metrics.RecordSpawn(string(a.Step), "skipped")
		return step{}, nil
	}

	req := core.SessionRequest{
		Skill:           a.Skill,
		ProjectPath:     exec.ProjectPath,
		Prompt:          spawnPrompt(exec, a),
		Section:         a.Section,
		TaskIDs:         a.TaskIDs,
		ResumeSessionID: resumeID,
		MaxBudgetUsd:    sessionBudget(fresh, a.BatchIndex),
		Timeout:         r.cfg.SpawnTimeout,
	}

	spawnCtx, cancel := context.WithTimeout(ctx, r.cfg.SpawnTimeout)
	defer cancel()

	handle, err := r.deps.Sessions.Start(spawnCtx, req)
	if err != nil {
		r.deps.Metrics.RecordSpawn(string(a.Step), "error")
		if spawnCtx.Err() != nil && ctx.Err() == nil {
			return step{}, core.ErrTimeout(fmt.Sprintf("starting %s session timed out after %s", a.Step, r.cfg.SpawnTimeout)).
				WithCause(err)
		}
		return step{}, core.ErrExecution(core.CodeSpawnFailed, fmt.Sprintf("starting %s session failed", a.Step)).
			WithCause(err)
	}
	r.deps.Metrics.RecordSpawn(string(a.Step), "ok")

	if _, err := r.deps.State.LinkWorkflowExecution(ctx, exec.ID, handle.ID); err != nil {
		if cancelErr := r.deps.Sessions.Cancel(ctx, handle.ID); cancelErr != nil {
			log.Warn("cancelling unlinked session failed", "session_id", handle.ID, "error", cancelErr)
		}
		return step{}, err
	}

	log.Info("session spawned",
		"session_id", handle.ID,
		"skill", a.Skill,
		"batch", a.BatchIndex,
		"resumed", resumeID != "",
	)
	r.publish(events.NewSessionSpawnedEvent(string(exec.ID), exec.ProjectID, handle.ID, a.Skill, a.BatchIndex))
	return step{}, nil
}

// spawnPrompt is the skill invocation handed to the agent.
func spawnPrompt(exec *core.OrchestrationExecution, a decision.Action) string {
	var b strings.Builder
	b.WriteString(a.Skill)
	if a.Section != "" {
		fmt.Fprintf(&b, " --section %q", a.Section)
	}
	if len(a.TaskIDs) > 0 {
		fmt.Fprintf(&b, " --tasks %s", strings.Join(a.TaskIDs, ","))
	}
	if exec.TasksPath != "" && a.Step == core.StepImplement {
		fmt.Fprintf(&b, " --tasks-file %q", exec.TasksPath)
	}
	return b.String()
}

// sessionBudget is the spend ceiling handed to a session: what remains of
// the batch budget during implement, otherwise what remains of the run.
func sessionBudget(exec *core.OrchestrationExecution, batch int) float64 {
	b := exec.Config.Budget
	remaining := 0.0
	if b.MaxTotal > 0 {
		remaining = b.MaxTotal - exec.TotalCostUsd
	}
	if batch >= 0 && batch < len(exec.Batches.Items) && b.MaxPerBatch > 0 {
		perBatch := b.MaxPerBatch - exec.Batches.Items[batch].CostUsd
		if remaining <= 0 || perBatch < remaining {
			remaining = perBatch
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Runner) initializeBatches(ctx context.Context, exec *core.OrchestrationExecution, log *logging.Logger) (step, error) {
	path := exec.TasksPath
	if path == "" {
		found, err := planner.FindTasksFile(exec.ProjectPath)
		if err != nil {
			_, markErr := r.deps.State.MarkNeedsAttention(ctx, exec.ID,
				fmt.Sprintf("No tasks file found in %s", exec.ProjectPath), nil, "")
			return step{stop: true}, markErr
		}
		path = found
	}

	plan, err := planner.PlanFile(path, exec.Config.BatchSizeFallback)
	if err != nil {
		_, markErr := r.deps.State.MarkNeedsAttention(ctx, exec.ID,
			fmt.Sprintf("Reading tasks file %s failed: %v", path, err), nil, "")
		return step{stop: true}, markErr
	}
	for _, w := range plan.DependencyWarnings {
		log.Warn("batch plan warning", "warning", w)
	}
	log.Info("batch plan built",
		"tasks_file", path,
		"batches", len(plan.Batches),
		"tasks", plan.TotalIncomplete,
		"fallback", plan.UsedFallback,
	)

	updated, err := r.deps.State.InitializeBatches(ctx, exec.ID, plan)
	return step{immediate: updated != nil}, err
}

// healBatch runs one healing attempt for a failed batch. A batch the healer
// could not fix stays failed; the next decision escalates or retries.
func (r *Runner) healBatch(ctx context.Context, exec *core.OrchestrationExecution, a decision.Action, log *logging.Logger) (step, error) {
	if r.deps.Healer == nil {
		_, err := r.deps.State.MarkNeedsAttention(ctx, exec.ID,
			fmt.Sprintf("Batch %d failed; no healer configured", a.BatchIndex+1), nil, a.FailedWorkflowID)
		return step{stop: true}, err
	}

	release, ok, err := r.deps.Guard.TryAcquire(exec.ID)
	if err != nil {
		return step{}, err
	}
	if !ok {
		log.Info("spawn already in progress; skipping heal", "batch", a.BatchIndex)
		return step{}, nil
	}
	defer release()

	counted, err := r.deps.State.IncrementHealAttempt(ctx, exec.ID, a.BatchIndex)
	if err != nil || counted == nil {
		return step{}, err
	}

	healCtx, cancel := context.WithTimeout(ctx, r.cfg.SpawnTimeout)
	defer cancel()

	log = log.WithBatch(a.BatchIndex)
	log.Info("healing batch", "section", a.Section, "attempt", counted.Batches.Items[a.BatchIndex].HealAttempts)
	outcome := r.deps.Healer.AttemptHeal(healCtx, counted, a.Section, a.TaskIDs, "")

	if outcome.SessionID != "" {
		if _, err := r.deps.State.LinkHealerExecution(ctx, exec.ID, a.BatchIndex, outcome.SessionID); err != nil {
			return step{}, err
		}
	}
	summary := healing.GetHealingSummary(outcome)
	if err := r.recordCost(ctx, exec, orchestration.CostEntry{
		Amount: outcome.CostUsd, BatchIndex: a.BatchIndex, Healing: true,
		Source: "healer: " + summary, SessionID: outcome.SessionID,
	}); err != nil {
		return step{}, err
	}

	result := healResult(outcome)
	r.deps.Metrics.RecordHeal(result)
	r.publish(events.NewHealCompletedEvent(string(exec.ID), exec.ProjectID, a.BatchIndex, result, summary, outcome.CostUsd))

	if !healing.IsHealingSuccessful(outcome) {
		log.Warn("batch not healed", "summary", summary)
		return step{immediate: true}, nil
	}
	log.Info("batch healed", "summary", summary, "cost_usd", outcome.CostUsd)
	_, err = r.deps.State.HealBatch(ctx, exec.ID, a.BatchIndex, outcome.SessionID)
	return step{immediate: true}, err
}

func healResult(o healing.Outcome) string {
	switch {
	case !o.Success:
		return "error"
	case o.Result == nil:
		return "unknown"
	default:
		return string(o.Result.Status)
	}
}

// recoverStale abandons a stale session and respawns the unit of work,
// resuming the stale session's conversation.
func (r *Runner) recoverStale(ctx context.Context, exec *core.OrchestrationExecution, a decision.Action, log *logging.Logger) (step, error) {
	staleID := a.FailedWorkflowID
	if staleID != "" {
		if err := r.deps.Sessions.Cancel(ctx, staleID); err != nil {
			log.Debug("cancelling stale session failed", "session_id", staleID, "error", err)
		}
	}

	updated, err := r.deps.State.RecordStaleRecovery(ctx, exec.ID, staleID)
	if err != nil || updated == nil {
		return step{}, err
	}
	log.Warn("respawning stale work", "session_id", staleID, "step", string(a.Step), "batch", a.BatchIndex)
	return r.spawn(ctx, updated, a, staleID, log)
}
