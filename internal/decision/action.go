// Package decision maps orchestration state to the next action.
// Everything here is pure: no I/O, no clocks, no randomness.
package decision

import (
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Kind is the closed set of actions the Runner knows how to execute.
type Kind string

const (
	ActionIdle              Kind = "idle"
	ActionWait              Kind = "wait"
	ActionPause             Kind = "pause"
	ActionWaitMerge         Kind = "wait_merge"
	ActionSpawn             Kind = "spawn"
	ActionTransition        Kind = "transition"
	ActionInitializeBatches Kind = "initialize_batches"
	ActionAdvanceBatch      Kind = "advance_batch"
	ActionForceStepComplete Kind = "force_step_complete"
	ActionHealBatch         Kind = "heal_batch"
	ActionHeal              Kind = "heal"
	ActionRecoverStale      Kind = "recover_stale"
	ActionNeedsAttention    Kind = "needs_attention"
	ActionFail              Kind = "fail"
	ActionComplete          Kind = "complete"
)

// AllKinds lists every action kind.
func AllKinds() []Kind {
	return []Kind{
		ActionIdle, ActionWait, ActionPause, ActionWaitMerge, ActionSpawn, ActionTransition,
		ActionInitializeBatches, ActionAdvanceBatch, ActionForceStepComplete, ActionHealBatch,
		ActionHeal, ActionRecoverStale, ActionNeedsAttention, ActionFail, ActionComplete,
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the Runner stops its loop after executing k.
func (k Kind) Terminal() bool {
	return k == ActionNeedsAttention || k == ActionFail || k == ActionComplete
}

// NoBatch marks an action that is not about a specific batch.
const NoBatch = -1

// Action is the result of a decision.
type Action struct {
	Kind   Kind
	Reason string

	// Step and Skill identify the step to spawn or transition to.
	Step  core.StepName
	Skill string

	// BatchIndex is the batch the action applies to, or NoBatch.
	BatchIndex int
	Section    string
	TaskIDs    []string

	// PauseAfter asks the Runner to pause once a batch advance is applied.
	PauseAfter bool

	// Recovery data for needs_attention.
	RecoveryOptions  []core.RecoveryOption
	FailedWorkflowID string
}

func newAction(kind Kind, reason string) Action {
	return Action{Kind: kind, Reason: reason, BatchIndex: NoBatch}
}

func needsAttention(reason, failedWorkflowID string) Action {
	a := newAction(ActionNeedsAttention, reason)
	a.RecoveryOptions = []core.RecoveryOption{core.RecoveryRetry, core.RecoveryAbort}
	a.FailedWorkflowID = failedWorkflowID
	return a
}
