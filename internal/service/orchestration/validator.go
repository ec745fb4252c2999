package orchestration

import (
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Severity classifies a consistency issue.
type Severity string

const (
	// SeverityWarning is logged and does not stop automation.
	SeverityWarning Severity = "warning"
	// SeverityError blocks further automated progress.
	SeverityError Severity = "error"
)

// Issue is one consistency finding on an execution record.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Validate checks an execution record for consistency problems.
func Validate(exec *core.OrchestrationExecution) []Issue {
	if exec == nil {
		return nil
	}
	var issues []Issue
	add := func(sev Severity, code, msg string) {
		issues = append(issues, Issue{Severity: sev, Code: code, Message: msg})
	}

	if !exec.Status.Valid() {
		add(SeverityError, core.CodeInvalidState, fmt.Sprintf("unknown status %q", exec.Status))
	}
	if !exec.Step.IndexConsistent() {
		add(SeverityError, core.CodeIndexMismatch,
			fmt.Sprintf("step %q has index %d, expected %d", exec.Step.Current, exec.Step.Index, core.StepIndex(exec.Step.Current)))
	}
	if !core.ValidStepStatus(exec.Step.Status) {
		add(SeverityError, core.CodeInvalidStep, fmt.Sprintf("unknown step status %q", exec.Step.Status))
	}
	if err := exec.Batches.Validate(); err != nil {
		msg := err.Error()
		var de *core.DomainError
		if errors.As(err, &de) {
			msg = de.Message
		}
		add(SeverityError, core.CodeBatchInvariant, msg)
	}

	if exec.Status == core.StatusNeedsAttention && exec.RecoveryContext == nil {
		add(SeverityWarning, core.CodeMissingRecovery, "needs_attention without a recovery context")
	}
	if exec.Status != core.StatusNeedsAttention && exec.RecoveryContext != nil {
		add(SeverityWarning, core.CodeMissingRecovery,
			fmt.Sprintf("recovery context present while status is %s", exec.Status))
	}
	if exec.CurrentPhase != core.PhaseComplete && exec.CurrentPhase != exec.Step.Current {
		add(SeverityWarning, core.CodeInvalidState,
			fmt.Sprintf("current phase %q differs from step %q", exec.CurrentPhase, exec.Step.Current))
	}
	if exec.Status.IsTerminal() && exec.CompletedAt == nil {
		add(SeverityWarning, core.CodeInvalidState, "terminal execution has no completion time")
	}
	if limit := exec.Config.Budget.MaxTotal; limit > 0 && exec.TotalCostUsd > limit && exec.Status != core.StatusFailed {
		add(SeverityWarning, core.CodeBudgetExceeded,
			fmt.Sprintf("cost $%.4f exceeds limit $%.2f", exec.TotalCostUsd, limit))
	}
	return issues
}

// FirstError returns the first error-severity issue as a state error, or nil.
func FirstError(issues []Issue) error {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return core.ErrState(issue.Code, issue.Message)
		}
	}
	return nil
}

// HasErrors reports whether any issue blocks automation.
func HasErrors(issues []Issue) bool {
	return FirstError(issues) != nil
}
