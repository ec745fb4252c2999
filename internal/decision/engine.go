package decision

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Backoff limits for status lookup retries.
const (
	BackoffBase = time.Second
	BackoffMax  = 30 * time.Second
)

// MaxStaleRecoveries is how many automatic respawns a stale unit of work gets.
const MaxStaleRecoveries = 1

// WorkflowInfo is the live view of the session bound to the current unit of work.
type WorkflowInfo struct {
	ID           string
	Status       core.SessionStatus
	LastActivity time.Time
}

// Input is everything Decide looks at.
type Input struct {
	Active  bool
	Status  core.ExecutionStatus
	Step    core.Step
	Config  core.OrchestrationConfig
	Batches core.BatchTracking

	// Workflow is nil when no session is bound or its outcome has already
	// been recorded in Step or Batches.
	Workflow *WorkflowInfo

	TotalCostUsd   float64
	HealingCostUsd float64

	// StaleRecoveries counts respawns of the current step or batch.
	StaleRecoveries int

	StartedAt time.Time
	Now       time.Time

	// Zero values fall back to the defaults in core.
	StaleThreshold time.Duration
	MaxDuration    time.Duration
	Skills         map[core.StepName]string
}

// InputFor builds an Input from a persisted execution.
func InputFor(exec *core.OrchestrationExecution, active bool, wf *WorkflowInfo, now time.Time) Input {
	in := Input{
		Active:         active,
		Status:         exec.Status,
		Step:           exec.Step,
		Config:         exec.Config,
		Batches:        exec.Batches,
		Workflow:       wf,
		TotalCostUsd:   exec.TotalCostUsd,
		HealingCostUsd: exec.HealingCostUsd,
		StartedAt:      exec.StartedAt,
		Now:            now,
	}
	in.StaleRecoveries = exec.Step.StaleRecoveries
	if exec.Step.Current == core.StepImplement {
		if item := exec.Batches.CurrentItem(); item != nil {
			in.StaleRecoveries = item.StaleRecoveries
		}
	}
	return in
}

// Decide returns the next action. It never fails and has no side effects:
// identical inputs always yield identical actions.
func Decide(in Input) Action {
	if !in.Active {
		return newAction(ActionIdle, "No active orchestration")
	}
	if in.Status.IsTerminal() {
		return newAction(ActionIdle, fmt.Sprintf("Orchestration %s", in.Status))
	}

	// Budget takes precedence over the duration ceiling.
	if limit := in.Config.Budget.MaxTotal; limit > 0 && in.TotalCostUsd > limit {
		return newAction(ActionFail, fmt.Sprintf("Budget exceeded: $%.2f > $%.2f", in.TotalCostUsd, limit))
	}
	maxDuration := in.MaxDuration
	if maxDuration <= 0 {
		maxDuration = core.DefaultMaxRunDuration
	}
	if !in.StartedAt.IsZero() && in.Now.Sub(in.StartedAt) > maxDuration {
		a := needsAttention(fmt.Sprintf("Run exceeded %s", maxDuration), "")
		// The ceiling is measured from startedAt, so a retry would hit it again.
		a.RecoveryOptions = []core.RecoveryOption{core.RecoveryAbort}
		return a
	}

	switch in.Status {
	case core.StatusPaused:
		return newAction(ActionPause, "Orchestration paused")
	case core.StatusWaitingMerge:
		return newAction(ActionWaitMerge, "Waiting for merge trigger")
	case core.StatusNeedsAttention:
		return newAction(ActionWait, "Waiting for recovery decision")
	}

	if wf := in.Workflow; wf != nil {
		switch wf.Status {
		case core.SessionRunning:
			if in.Step.Status != core.StepComplete {
				return decideRunning(in, wf)
			}
		case core.SessionWaitingForInput:
			return newAction(ActionWait, "Waiting for user input")
		case core.SessionFailed, core.SessionCancelled:
			return needsAttention(fmt.Sprintf("Workflow %s %s", wf.ID, wf.Status), wf.ID)
		}
	}

	switch in.Step.Status {
	case core.StepComplete, core.StepSkipped:
		return decideStepComplete(in)
	case core.StepBlocked:
		if in.Step.Current != core.StepImplement {
			return needsAttention(fmt.Sprintf("Step %s is blocked", in.Step.Current), "")
		}
	case core.StepFailed:
		if in.Step.Current != core.StepImplement {
			return decideStepFailed(in)
		}
	}

	if in.Step.Current == core.StepImplement {
		if a, ok := decideBatch(in); ok {
			return a
		}
	}

	if in.Workflow == nil && isStartable(in.Step.Status) && core.ValidStep(in.Step.Current) {
		a := newAction(ActionSpawn, fmt.Sprintf("Starting %s", in.Step.Current))
		a.Step = in.Step.Current
		a.Skill = core.SkillForStep(in.Step.Current, in.Skills)
		return a
	}

	return needsAttention(
		fmt.Sprintf("Unrecognized state: step %s is %s", in.Step.Current, in.Step.Status), "")
}

func isStartable(s core.StepStatus) bool {
	return s == core.StepNotStarted || s == core.StepPending || s == core.StepInProgress
}

// decideRunning handles a live session, including staleness.
func decideRunning(in Input, wf *WorkflowInfo) Action {
	threshold := in.StaleThreshold
	if threshold <= 0 {
		threshold = core.DefaultStaleThreshold
	}
	if !wf.LastActivity.IsZero() && in.Now.Sub(wf.LastActivity) > threshold {
		idle := in.Now.Sub(wf.LastActivity).Truncate(time.Second)
		if in.StaleRecoveries < MaxStaleRecoveries {
			a := newAction(ActionRecoverStale, fmt.Sprintf("Workflow %s stale for %s", wf.ID, idle))
			a.Step = in.Step.Current
			a.Skill = core.SkillForStep(in.Step.Current, in.Skills)
			a.FailedWorkflowID = wf.ID
			if in.Step.Current == core.StepImplement {
				if item := in.Batches.CurrentItem(); item != nil {
					a.BatchIndex = item.Index
					a.Section = item.Section
					a.TaskIDs = append([]string(nil), item.TaskIDs...)
				}
			}
			return a
		}
		return needsAttention(fmt.Sprintf("Workflow %s stale again for %s", wf.ID, idle), wf.ID)
	}
	return newAction(ActionWait, "Workflow running")
}

func decideStepComplete(in Input) Action {
	switch {
	case in.Step.Current == core.StepMerge:
		return newAction(ActionComplete, "Merge complete")
	case in.Step.Current == core.StepVerify && !in.Config.AutoMerge && !in.Config.Skips(core.StepMerge):
		return newAction(ActionWaitMerge, "Verify complete; auto-merge disabled")
	}

	next := in.Config.NextActiveStep(in.Step.Current)
	if next == core.PhaseComplete {
		return newAction(ActionComplete, fmt.Sprintf("Step %s complete; remaining steps skipped", in.Step.Current))
	}
	a := newAction(ActionTransition, fmt.Sprintf("Step %s complete", in.Step.Current))
	a.Step = next
	a.Skill = core.SkillForStep(next, in.Skills)
	return a
}

func decideStepFailed(in Input) Action {
	cfg := in.Config
	if cfg.AutoHealEnabled && in.Step.HealAttempts < cfg.MaxHealAttempts {
		a := newAction(ActionHeal, fmt.Sprintf("Step %s failed; retry %d of %d",
			in.Step.Current, in.Step.HealAttempts+1, cfg.MaxHealAttempts))
		a.Step = in.Step.Current
		a.Skill = core.SkillForStep(in.Step.Current, in.Skills)
		return a
	}
	return needsAttention(fmt.Sprintf("Step %s failed", in.Step.Current), lastWorkflowID(in))
}

// decideBatch is the implement-step sub-decision. ok is false when it has no opinion.
func decideBatch(in Input) (Action, bool) {
	b := in.Batches
	if len(b.Items) == 0 {
		return newAction(ActionInitializeBatches, "No batches planned"), true
	}

	item := b.CurrentItem()
	if item == nil {
		if b.AllDone() && in.Step.Status != core.StepComplete {
			return newAction(ActionForceStepComplete, "All batches done"), true
		}
		return Action{}, false
	}

	switch item.Status {
	case core.BatchPending:
		if in.Workflow == nil {
			return spawnBatch(in, item, fmt.Sprintf("Starting batch %d/%d: %s", item.Index+1, b.Total, item.Section)), true
		}
	case core.BatchRunning:
		if in.Workflow == nil {
			return spawnBatch(in, item, fmt.Sprintf("Batch %d has no session; respawning", item.Index+1)), true
		}
		return Action{}, false
	case core.BatchCompleted, core.BatchHealed:
		if item.Index >= b.Total-1 {
			if b.AllDone() && in.Step.Status != core.StepComplete {
				return newAction(ActionForceStepComplete, "All batches done"), true
			}
			return Action{}, false
		}
		a := newAction(ActionAdvanceBatch, fmt.Sprintf("Batch %d %s", item.Index+1, item.Status))
		a.BatchIndex = item.Index + 1
		a.PauseAfter = in.Config.PauseBetweenBatches
		return a, true
	case core.BatchFailed:
		reason, ok := canHealBatch(in, item)
		if ok {
			a := newAction(ActionHealBatch, reason)
			a.BatchIndex = item.Index
			a.Section = item.Section
			a.TaskIDs = append([]string(nil), item.TaskIDs...)
			a.FailedWorkflowID = item.WorkflowExecutionID
			return a, true
		}
		return needsAttention(reason, item.WorkflowExecutionID), true
	}
	return Action{}, false
}

func spawnBatch(in Input, item *core.BatchItem, reason string) Action {
	a := newAction(ActionSpawn, reason)
	a.Step = core.StepImplement
	a.Skill = core.SkillForStep(core.StepImplement, in.Skills)
	a.BatchIndex = item.Index
	a.Section = item.Section
	a.TaskIDs = append([]string(nil), item.TaskIDs...)
	return a
}

// canHealBatch applies the unified heal rule to a failed batch.
func canHealBatch(in Input, item *core.BatchItem) (string, bool) {
	cfg := in.Config
	switch {
	case !cfg.AutoHealEnabled:
		return fmt.Sprintf("Batch %d failed; auto-heal disabled", item.Index+1), false
	case item.HealAttempts >= cfg.MaxHealAttempts:
		return fmt.Sprintf("Batch %d failed after %d heal attempts", item.Index+1, item.HealAttempts), false
	case cfg.Budget.MaxPerBatch > 0 && item.CostUsd >= cfg.Budget.MaxPerBatch:
		return fmt.Sprintf("Batch %d failed; per-batch budget $%.2f spent", item.Index+1, cfg.Budget.MaxPerBatch), false
	// A zero healing budget is an empty allowance, not an unlimited one.
	case in.HealingCostUsd >= cfg.Budget.HealingBudget:
		return fmt.Sprintf("Batch %d failed; healing budget $%.2f spent", item.Index+1, cfg.Budget.HealingBudget), false
	}
	return fmt.Sprintf("Batch %d failed; heal attempt %d of %d", item.Index+1, item.HealAttempts+1, cfg.MaxHealAttempts), true
}

func lastWorkflowID(in Input) string {
	if in.Workflow != nil {
		return in.Workflow.ID
	}
	return ""
}

// Backoff returns the delay before retrying a failed status lookup:
// min(2^failures * 1s, 30s).
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return BackoffBase
	}
	if failures >= 5 {
		return BackoffMax
	}
	d := BackoffBase << uint(failures)
	if d > BackoffMax {
		return BackoffMax
	}
	return d
}
