package core

import "fmt"

// StepName identifies one of the five workflow phases.
type StepName string

const (
	// StepDesign produces the feature specification and plan.
	StepDesign StepName = "design"

	// StepAnalyze checks the generated artifacts for consistency.
	StepAnalyze StepName = "analyze"

	// StepImplement executes the task list batch by batch.
	StepImplement StepName = "implement"

	// StepVerify checks that every task is done and the build is green.
	StepVerify StepName = "verify"

	// StepMerge merges the finished feature branch.
	StepMerge StepName = "merge"

	// PhaseComplete is the terminal value of currentPhase.
	// It is NOT an executable step.
	PhaseComplete StepName = "complete"
)

// AllSteps returns all steps in execution order.
func AllSteps() []StepName {
	return []StepName{StepDesign, StepAnalyze, StepImplement, StepVerify, StepMerge}
}

// StepIndex returns the fixed table index of a step, or -1 when unknown.
func StepIndex(s StepName) int {
	switch s {
	case StepDesign:
		return 0
	case StepAnalyze:
		return 1
	case StepImplement:
		return 2
	case StepVerify:
		return 3
	case StepMerge:
		return 4
	default:
		return -1
	}
}

// NextStep returns the step following s, or PhaseComplete after merge.
// Unknown steps return the empty string.
func NextStep(s StepName) StepName {
	switch s {
	case StepDesign:
		return StepAnalyze
	case StepAnalyze:
		return StepImplement
	case StepImplement:
		return StepVerify
	case StepVerify:
		return StepMerge
	case StepMerge:
		return PhaseComplete
	default:
		return ""
	}
}

// ValidStep checks if s is one of the five executable steps.
func ValidStep(s StepName) bool {
	return StepIndex(s) >= 0
}

// ParseStep converts a string to a StepName with validation.
func ParseStep(s string) (StepName, error) {
	step := StepName(s)
	if !ValidStep(step) {
		return "", fmt.Errorf("invalid step: %s", s)
	}
	return step, nil
}

// String returns the string representation of the step.
func (s StepName) String() string {
	return string(s)
}

// Description returns a human-readable description of the step.
func (s StepName) Description() string {
	switch s {
	case StepDesign:
		return "Write the specification, plan and task list"
	case StepAnalyze:
		return "Cross-check artifacts for gaps and contradictions"
	case StepImplement:
		return "Implement tasks in dependency-ordered batches"
	case StepVerify:
		return "Verify completion and quality gates"
	case StepMerge:
		return "Merge the feature branch"
	case PhaseComplete:
		return "All steps completed"
	default:
		return "Unknown step"
	}
}

// StepStatus is the lifecycle state of the current step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepComplete   StepStatus = "complete"
	StepFailed     StepStatus = "failed"
	StepBlocked    StepStatus = "blocked"
	StepSkipped    StepStatus = "skipped"
)

// ValidStepStatus reports whether s is a known step status.
func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StepNotStarted, StepPending, StepInProgress, StepComplete, StepFailed, StepBlocked, StepSkipped:
		return true
	default:
		return false
	}
}

// Step is the persisted position of an execution in the step table.
type Step struct {
	Current StepName   `json:"current"`
	Index   int        `json:"index"`
	Status  StepStatus `json:"status"`

	// HealAttempts counts automatic retries of a failed non-implement step.
	HealAttempts int `json:"healAttempts,omitempty"`

	// StaleRecoveries counts stale-session respawns for this step.
	StaleRecoveries int `json:"staleRecoveries,omitempty"`
}

// NewStep returns a not-started step with its table index filled in.
func NewStep(name StepName) Step {
	return Step{
		Current: name,
		Index:   StepIndex(name),
		Status:  StepNotStarted,
	}
}

// IndexConsistent reports whether Index matches the fixed table value for Current.
func (s Step) IndexConsistent() bool {
	return ValidStep(s.Current) && s.Index == StepIndex(s.Current)
}
