package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/decision"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

// evaluate runs one iteration: load, validate, observe, decide, execute.
func (r *Runner) evaluate(ctx context.Context, l *loop) step {
	started := time.Now()
	defer func() { r.deps.Metrics.ObserveEvaluation(time.Since(started)) }()

	log := r.logger(l)

	exec, err := r.deps.State.Get(ctx, l.id)
	if err != nil {
		if core.IsCategory(err, core.ErrCatState) {
			log.Error("execution record unreadable; stopping", "error", err)
			return step{stop: true}
		}
		return r.externalFailure(ctx, l, nil, "Loading execution failed", err)
	}
	if exec == nil {
		log.Warn("execution not found; stopping")
		return step{stop: true}
	}
	if exec.Status.IsTerminal() {
		if exec.Status == core.StatusCancelled {
			r.cancelSession(ctx, exec, log)
		}
		return step{stop: true, action: decision.ActionIdle}
	}
	if exec.Status == core.StatusNeedsAttention {
		// Recovery restarts the loop.
		return step{stop: true, action: decision.ActionWait}
	}

	issues := orchestration.Validate(exec)
	for _, issue := range issues {
		if issue.Severity == orchestration.SeverityWarning {
			log.Warn("consistency warning", "code", issue.Code, "message", issue.Message)
		}
	}
	if orchestration.HasErrors(issues) {
		msg := orchestration.FirstError(issues).Error()
		log.Error("consistency error; parking execution", "error", msg)
		if _, err := r.deps.State.MarkNeedsAttention(ctx, l.id, "State inconsistent: "+msg, nil, ""); err != nil {
			log.Error("marking needs attention failed", "error", err)
		}
		return step{stop: true, action: decision.ActionNeedsAttention}
	}

	if limit := exec.Config.Budget.MaxTotal; limit > 0 && exec.TotalCostUsd > limit {
		reason := fmt.Sprintf("Budget exceeded: $%.2f > $%.2f", exec.TotalCostUsd, limit)
		if _, err := r.deps.State.Fail(ctx, l.id, reason); err != nil {
			log.Error("failing execution failed", "error", err)
		}
		return step{stop: true, action: decision.ActionFail}
	}

	exec, wf, err := r.observe(ctx, exec, log)
	if err != nil {
		r.deps.Metrics.RecordLookupFailure()
		return r.externalFailure(ctx, l, exec, "Session status lookup failed", err)
	}
	if exec == nil {
		return step{stop: true}
	}

	active, err := r.deps.State.IsActive(ctx, exec)
	if err != nil {
		return r.externalFailure(ctx, l, exec, "Reading active pointer failed", err)
	}

	in := decision.InputFor(exec, active, wf, r.now())
	in.StaleThreshold = r.cfg.StaleThreshold
	in.MaxDuration = r.cfg.MaxDuration
	in.Skills = r.cfg.Skills
	action := decision.Decide(in)

	log.Info("decision",
		"action", string(action.Kind),
		"reason", action.Reason,
		"step", string(exec.Step.Current),
		"batch", action.BatchIndex,
	)
	r.deps.Metrics.RecordDecision(string(action.Kind))
	r.publish(events.NewDecisionMadeEvent(string(exec.ID), exec.ProjectID,
		string(action.Kind), action.Reason, string(exec.Step.Current), action.BatchIndex))

	res, err := r.execute(ctx, exec, action, log)
	res.action = action.Kind
	if err != nil {
		if !retryable(err) {
			log.Error("action failed", "action", string(action.Kind), "error", err)
			if _, markErr := r.deps.State.MarkNeedsAttention(ctx, l.id, err.Error(), nil, ""); markErr != nil {
				log.Error("marking needs attention failed", "error", markErr)
			}
			return step{stop: true, action: action.Kind}
		}
		failed := r.externalFailure(ctx, l, exec, fmt.Sprintf("Action %s failed", action.Kind), err)
		failed.action = action.Kind
		return failed
	}
	l.failures = 0
	if action.Kind.Terminal() || action.Kind == decision.ActionIdle {
		res.stop = true
	}
	return res
}

// retryable reports whether an action error is worth retrying with backoff.
// Domain errors about state, validation or an unknown action are not.
func retryable(err error) bool {
	var de *core.DomainError
	if !errors.As(err, &de) {
		return true
	}
	switch de.Category {
	case core.ErrCatState, core.ErrCatValidation, core.ErrCatInternal, core.ErrCatNotFound:
		return false
	default:
		return true
	}
}

// externalFailure backs off after a failed external call and escalates to
// needs_attention once the consecutive failure limit is reached.
func (r *Runner) externalFailure(ctx context.Context, l *loop, exec *core.OrchestrationExecution, what string, err error) step {
	l.failures++
	log := r.logger(l)
	log.Warn(what, "error", err, "consecutive_failures", l.failures)

	if l.failures < r.cfg.MaxLookupFailures {
		return step{delay: decision.Backoff(l.failures)}
	}

	failedID := ""
	if exec != nil {
		failedID = exec.CurrentSessionID()
	}
	issue := fmt.Sprintf("%s %d times: %v", what, l.failures, err)
	if _, markErr := r.deps.State.MarkNeedsAttention(ctx, l.id, issue, nil, failedID); markErr != nil {
		log.Error("marking needs attention failed", "error", markErr)
	}
	l.failures = 0
	return step{stop: true, action: decision.ActionNeedsAttention}
}

// boundSession returns the session whose status matters for the next
// decision, or empty when the current unit of work has none running.
func boundSession(exec *core.OrchestrationExecution) (string, int) {
	if exec.Step.Current == core.StepImplement {
		item := exec.Batches.CurrentItem()
		if item == nil || item.Status != core.BatchRunning {
			return "", decision.NoBatch
		}
		return item.WorkflowExecutionID, item.Index
	}
	if exec.Step.Status != core.StepInProgress {
		return "", decision.NoBatch
	}
	return exec.CurrentSessionID(), decision.NoBatch
}

// observe resolves the bound session and absorbs a finished one into the
// record. The returned WorkflowInfo is nil once its outcome is recorded.
func (r *Runner) observe(ctx context.Context, exec *core.OrchestrationExecution, log *logging.Logger) (*core.OrchestrationExecution, *decision.WorkflowInfo, error) {
	if exec.Status != core.StatusRunning {
		return exec, nil, nil
	}
	sessionID, batch := boundSession(exec)
	if sessionID == "" {
		return exec, nil, nil
	}

	handle, err := r.deps.Sessions.Status(ctx, sessionID)
	if err != nil {
		return exec, nil, core.ErrExecution(core.CodeStatusLookup, "session status lookup failed").
			WithCause(err).
			WithDetail("session", sessionID)
	}
	wf := &decision.WorkflowInfo{ID: handle.ID, Status: handle.Status, LastActivity: handle.LastActivity}
	if wf.ID == "" {
		wf.ID = sessionID
	}
	if !handle.Status.IsFinished() {
		return exec, wf, nil
	}

	log = log.WithSession(sessionID)
	// Charged once per session, so a poll repeated after a failed follow-up
	// write does not count the same spend twice.
	if err := r.recordCost(ctx, exec, orchestration.CostEntry{
		Amount: handle.CostUsd, BatchIndex: batch, Source: "session " + sessionID, SessionID: sessionID,
	}); err != nil {
		return exec, nil, err
	}

	if batch != decision.NoBatch {
		var updated *core.OrchestrationExecution
		if handle.Status == core.SessionCompleted {
			log.Info("batch session completed", "batch", batch)
			updated, err = r.deps.State.CompleteBatch(ctx, exec.ID, batch)
		} else {
			reason := handle.Error
			if reason == "" {
				reason = fmt.Sprintf("session %s %s", sessionID, handle.Status)
			}
			log.Warn("batch session did not complete", "batch", batch, "status", string(handle.Status))
			updated, err = r.deps.State.FailBatch(ctx, exec.ID, batch, reason)
		}
		return r.reload(ctx, exec, updated, err)
	}

	if handle.Status != core.SessionCompleted {
		// Rule 4 of the decision engine parks it for attention.
		return r.reloadOrKeep(ctx, exec), wf, nil
	}

	ok, reason := r.corroborate(ctx, exec, log)
	status := core.StepComplete
	if !ok {
		status = core.StepFailed
	} else {
		reason = fmt.Sprintf("Session %s completed", sessionID)
	}
	log.Info("step session finished", "step", string(exec.Step.Current), "status", string(status), "reason", reason)
	updated, err := r.deps.State.SetStepStatus(ctx, exec.ID, status, reason)
	return r.reload(ctx, exec, updated, err)
}

func (r *Runner) reload(ctx context.Context, prev, updated *core.OrchestrationExecution, err error) (*core.OrchestrationExecution, *decision.WorkflowInfo, error) {
	if err != nil {
		return prev, nil, err
	}
	if updated != nil {
		return updated, nil, nil
	}
	return r.reloadOrKeep(ctx, prev), nil, nil
}

func (r *Runner) reloadOrKeep(ctx context.Context, prev *core.OrchestrationExecution) *core.OrchestrationExecution {
	fresh, err := r.deps.State.Get(ctx, prev.ID)
	if err != nil || fresh == nil {
		return prev
	}
	return fresh
}

// corroborate checks the project artifacts a finished step must have produced.
// Without a status source, or when it errors, the session result is trusted.
func (r *Runner) corroborate(ctx context.Context, exec *core.OrchestrationExecution, log *logging.Logger) (bool, string) {
	if r.deps.Status == nil {
		return true, ""
	}
	st, err := r.deps.Status.Status(ctx, exec.ProjectPath)
	if err != nil || st == nil {
		log.Warn("status source unavailable; trusting session result", "error", err)
		return true, ""
	}
	return Corroborate(exec.Step.Current, st)
}

// Corroborate reports whether the project status confirms that step finished.
func Corroborate(s core.StepName, st *core.ProjectStatus) (bool, string) {
	switch s {
	case core.StepDesign:
		if !st.HasSpec {
			return false, "design finished without a spec"
		}
	case core.StepAnalyze:
		if !st.HasPlan || !st.HasTasks {
			return false, "analyze finished without plan and tasks"
		}
	case core.StepVerify:
		if st.TasksComplete != st.TasksTotal {
			return false, fmt.Sprintf("verify finished with %d of %d tasks complete", st.TasksComplete, st.TasksTotal)
		}
	}
	return true, ""
}

func (r *Runner) recordCost(ctx context.Context, exec *core.OrchestrationExecution, entry orchestration.CostEntry) error {
	if entry.Amount <= 0 {
		return nil
	}
	updated, err := r.deps.State.AddCost(ctx, exec.ID, entry)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	kind := "session"
	if entry.Healing {
		kind = "healing"
	}
	r.deps.Metrics.RecordCost(kind, entry.Amount)
	return nil
}

func (r *Runner) cancelSession(ctx context.Context, exec *core.OrchestrationExecution, log *logging.Logger) {
	id := exec.CurrentSessionID()
	if id == "" {
		return
	}
	if err := r.deps.Sessions.Cancel(ctx, id); err != nil {
		log.Debug("cancelling session failed", "session_id", id, "error", err)
	}
}
