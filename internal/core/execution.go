package core

import (
	"fmt"
	"time"
)

// ExecutionID uniquely identifies an orchestration execution.
type ExecutionID string

// ExecutionStatus is the lifecycle status of an orchestration execution.
type ExecutionStatus string

const (
	StatusRunning        ExecutionStatus = "running"
	StatusPaused         ExecutionStatus = "paused"
	StatusWaitingMerge   ExecutionStatus = "waiting_merge"
	StatusNeedsAttention ExecutionStatus = "needs_attention"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
	StatusCancelled      ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further automated or manual progress is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusWaitingMerge, StatusNeedsAttention,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Budget holds the cost ceilings of a run, in USD. A zero MaxTotal or
// MaxPerBatch means no limit. HealingBudget is an allowance rather than a
// limit: zero leaves nothing to spend, so failed batches are never healed.
type Budget struct {
	MaxTotal       float64 `json:"maxTotal" yaml:"max_total"`
	MaxPerBatch    float64 `json:"maxPerBatch" yaml:"max_per_batch"`
	HealingBudget  float64 `json:"healingBudget" yaml:"healing_budget"`
	DecisionBudget float64 `json:"decisionBudget" yaml:"decision_budget"`
}

// OrchestrationConfig is the immutable configuration captured at start.
type OrchestrationConfig struct {
	SkipSteps           []StepName `json:"skipSteps,omitempty" yaml:"skip_steps"`
	AutoMerge           bool       `json:"autoMerge" yaml:"auto_merge"`
	AutoHealEnabled     bool       `json:"autoHealEnabled" yaml:"auto_heal"`
	MaxHealAttempts     int        `json:"maxHealAttempts" yaml:"max_heal_attempts"`
	PauseBetweenBatches bool       `json:"pauseBetweenBatches" yaml:"pause_between_batches"`
	BatchSizeFallback   int        `json:"batchSizeFallback" yaml:"batch_size_fallback"`
	Budget              Budget     `json:"budget" yaml:"budget"`
}

// DefaultOrchestrationConfig returns the configuration used when nothing is overridden.
func DefaultOrchestrationConfig() OrchestrationConfig {
	return OrchestrationConfig{
		AutoHealEnabled:   true,
		MaxHealAttempts:   DefaultMaxHealAttempts,
		BatchSizeFallback: DefaultBatchSizeFallback,
		Budget: Budget{
			MaxTotal:       DefaultMaxTotalBudget,
			MaxPerBatch:    DefaultMaxPerBatchBudget,
			HealingBudget:  DefaultHealingBudget,
			DecisionBudget: DefaultDecisionBudget,
		},
	}
}

// Skips reports whether step is configured to be skipped.
func (c OrchestrationConfig) Skips(step StepName) bool {
	for _, s := range c.SkipSteps {
		if s == step {
			return true
		}
	}
	return false
}

// NextActiveStep returns the first step after s that is not skipped,
// or PhaseComplete when none remains.
func (c OrchestrationConfig) NextActiveStep(s StepName) StepName {
	next := NextStep(s)
	for next != PhaseComplete && next != "" && c.Skips(next) {
		next = NextStep(next)
	}
	if next == "" {
		return PhaseComplete
	}
	return next
}

// FirstActiveStep returns the first step that is not skipped, or PhaseComplete.
func (c OrchestrationConfig) FirstActiveStep() StepName {
	for _, s := range AllSteps() {
		if !c.Skips(s) {
			return s
		}
	}
	return PhaseComplete
}

// Validate checks the configuration for impossible values.
func (c OrchestrationConfig) Validate() error {
	for _, s := range c.SkipSteps {
		if !ValidStep(s) {
			return ErrValidation(CodeInvalidConfig, fmt.Sprintf("cannot skip unknown step %q", s))
		}
	}
	if c.MaxHealAttempts < 0 {
		return ErrValidation(CodeInvalidConfig, "maxHealAttempts must be >= 0")
	}
	if c.BatchSizeFallback < 0 {
		return ErrValidation(CodeInvalidConfig, "batchSizeFallback must be >= 0")
	}
	b := c.Budget
	if b.MaxTotal < 0 || b.MaxPerBatch < 0 || b.HealingBudget < 0 || b.DecisionBudget < 0 {
		return ErrValidation(CodeInvalidConfig, "budget values must be >= 0")
	}
	return nil
}

// BatchStatus is the lifecycle status of one batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchHealed    BatchStatus = "healed"
)

// IsDone reports whether the batch needs no further work.
func (s BatchStatus) IsDone() bool {
	return s == BatchCompleted || s == BatchHealed
}

// BatchItem tracks one batch of tasks during the implement step.
type BatchItem struct {
	Index               int                 `json:"index"`
	Section             string              `json:"section"`
	TaskIDs             []string            `json:"taskIds"`
	Dependencies        map[string][]string `json:"dependencies,omitempty"`
	Status              BatchStatus         `json:"status"`
	HealAttempts        int                 `json:"healAttempts"`
	StaleRecoveries     int                 `json:"staleRecoveries,omitempty"`
	WorkflowExecutionID string              `json:"workflowExecutionId,omitempty"`
	HealerExecutionID   string              `json:"healerExecutionId,omitempty"`
	CostUsd             float64             `json:"costUsd,omitempty"`
	StartedAt           *time.Time          `json:"startedAt,omitempty"`
	CompletedAt         *time.Time          `json:"completedAt,omitempty"`
}

// BatchTracking is the ordered list of batches and the cursor into it.
type BatchTracking struct {
	Total   int         `json:"total"`
	Current int         `json:"current"`
	Items   []BatchItem `json:"items"`
}

// CurrentItem returns the batch at the cursor, or nil when the cursor is past the end.
func (b *BatchTracking) CurrentItem() *BatchItem {
	if b == nil || b.Current < 0 || b.Current >= len(b.Items) {
		return nil
	}
	return &b.Items[b.Current]
}

// AllDone reports whether every batch is completed or healed.
// An empty tracking is not considered done.
func (b *BatchTracking) AllDone() bool {
	if b == nil || len(b.Items) == 0 {
		return false
	}
	for _, item := range b.Items {
		if !item.Status.IsDone() {
			return false
		}
	}
	return true
}

// Validate checks the tracking invariants: dense indices, a consistent total,
// and a cursor below total unless everything is done.
func (b *BatchTracking) Validate() error {
	if b == nil {
		return nil
	}
	if b.Total != len(b.Items) {
		return ErrState(CodeBatchInvariant,
			fmt.Sprintf("batch total %d does not match %d items", b.Total, len(b.Items)))
	}
	for i, item := range b.Items {
		if item.Index != i {
			return ErrState(CodeBatchInvariant,
				fmt.Sprintf("batch at position %d has index %d", i, item.Index))
		}
	}
	if b.Total == 0 && b.Current == 0 {
		return nil
	}
	if b.Current < 0 || (b.Current >= b.Total && !b.AllDone()) {
		return ErrState(CodeBatchInvariant,
			fmt.Sprintf("batch cursor %d out of range for %d batches", b.Current, b.Total))
	}
	return nil
}

// ExecutionLinks records which external sessions ran each step.
type ExecutionLinks struct {
	Steps   map[StepName][]string `json:"steps,omitempty"`
	Healers []string              `json:"healers,omitempty"`
	// Charged lists sessions whose cost is already in TotalCostUsd.
	Charged []string `json:"charged,omitempty"`
}

// IsCharged reports whether the cost of sessionID was already recorded.
func (l ExecutionLinks) IsCharged(sessionID string) bool {
	for _, id := range l.Charged {
		if id == sessionID {
			return true
		}
	}
	return false
}

// DecisionLogEntry is one audit record of the state machine.
type DecisionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
}

// RecoveryOption is a choice offered to a human when an execution needs attention.
type RecoveryOption string

const (
	RecoveryRetry RecoveryOption = "retry"
	RecoveryAbort RecoveryOption = "abort"
)

// ParseRecoveryOption validates a user-supplied recovery option.
func ParseRecoveryOption(s string) (RecoveryOption, error) {
	switch RecoveryOption(s) {
	case RecoveryRetry, RecoveryAbort:
		return RecoveryOption(s), nil
	default:
		return "", ErrValidation(CodeInvalidState, fmt.Sprintf("unknown recovery option %q", s))
	}
}

// RecoveryContext describes why an execution stopped for human attention.
type RecoveryContext struct {
	Issue            string           `json:"issue"`
	Options          []RecoveryOption `json:"options"`
	FailedWorkflowID string           `json:"failedWorkflowId,omitempty"`
}

// OrchestrationExecution is the root persisted record of one run.
type OrchestrationExecution struct {
	ID           ExecutionID         `json:"id"`
	ProjectID    string              `json:"projectId"`
	ProjectPath  string              `json:"projectPath"`
	TasksPath    string              `json:"tasksPath,omitempty"`
	Status       ExecutionStatus     `json:"status"`
	Config       OrchestrationConfig `json:"config"`
	CurrentPhase StepName            `json:"currentPhase"`
	Step         Step                `json:"step"`
	Batches      BatchTracking       `json:"batches"`
	Executions   ExecutionLinks      `json:"executions"`
	DecisionLog  []DecisionLogEntry  `json:"decisionLog"`

	TotalCostUsd   float64 `json:"totalCostUsd"`
	HealingCostUsd float64 `json:"healingCostUsd,omitempty"`

	RecoveryContext *RecoveryContext `json:"recoveryContext,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AppendDecision adds an entry to the decision log and bumps UpdatedAt.
func (e *OrchestrationExecution) AppendDecision(now time.Time, decision, reason string) {
	e.DecisionLog = append(e.DecisionLog, DecisionLogEntry{
		Timestamp: now,
		Decision:  decision,
		Reason:    reason,
	})
	e.UpdatedAt = now
}

// CurrentSessionID returns the external session bound to the current unit of work:
// the current batch during implement, otherwise the last session linked to the step.
func (e *OrchestrationExecution) CurrentSessionID() string {
	if e.Step.Current == StepImplement && len(e.Batches.Items) > 0 {
		if item := e.Batches.CurrentItem(); item != nil {
			return item.WorkflowExecutionID
		}
		return ""
	}
	ids := e.Executions.Steps[e.Step.Current]
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// RemainingHealingBudget returns how much healing spend is still allowed.
func (e *OrchestrationExecution) RemainingHealingBudget() float64 {
	remaining := e.Config.Budget.HealingBudget - e.HealingCostUsd
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Elapsed returns the wall time since the run started.
func (e *OrchestrationExecution) Elapsed(now time.Time) time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(e.StartedAt)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e *OrchestrationExecution) Clone() *OrchestrationExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Config.SkipSteps = append([]StepName(nil), e.Config.SkipSteps...)

	c.Batches.Items = make([]BatchItem, len(e.Batches.Items))
	for i, item := range e.Batches.Items {
		item.TaskIDs = append([]string(nil), item.TaskIDs...)
		if item.Dependencies != nil {
			deps := make(map[string][]string, len(item.Dependencies))
			for k, v := range item.Dependencies {
				deps[k] = append([]string(nil), v...)
			}
			item.Dependencies = deps
		}
		item.StartedAt = cloneTime(item.StartedAt)
		item.CompletedAt = cloneTime(item.CompletedAt)
		c.Batches.Items[i] = item
	}

	if e.Executions.Steps != nil {
		c.Executions.Steps = make(map[StepName][]string, len(e.Executions.Steps))
		for k, v := range e.Executions.Steps {
			c.Executions.Steps[k] = append([]string(nil), v...)
		}
	}
	c.Executions.Healers = append([]string(nil), e.Executions.Healers...)
	c.Executions.Charged = append([]string(nil), e.Executions.Charged...)
	c.DecisionLog = append([]DecisionLogEntry(nil), e.DecisionLog...)

	if e.RecoveryContext != nil {
		rc := *e.RecoveryContext
		rc.Options = append([]RecoveryOption(nil), e.RecoveryContext.Options...)
		c.RecoveryContext = &rc
	}
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionSummary is a lightweight view used when listing executions.
type ExecutionSummary struct {
	ID           ExecutionID     `json:"id"`
	ProjectID    string          `json:"projectId"`
	Status       ExecutionStatus `json:"status"`
	CurrentPhase StepName        `json:"currentPhase"`
	TotalCostUsd float64         `json:"totalCostUsd"`
	StartedAt    time.Time       `json:"startedAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Summary returns the listing view of the execution.
func (e *OrchestrationExecution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:           e.ID,
		ProjectID:    e.ProjectID,
		Status:       e.Status,
		CurrentPhase: e.CurrentPhase,
		TotalCostUsd: e.TotalCostUsd,
		StartedAt:    e.StartedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}
