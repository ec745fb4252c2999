package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // External call failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State corruption/inconsistency
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent or duplicate operation
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
	ErrCatBudget     ErrorCategory = "budget"     // Cost or time budget exceeded
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrExecution creates an error for a failed external call.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrInternal creates an internal error.
func ErrInternal(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     code,
		Message:  message,
	}
}

// ErrBudgetExceeded creates an error when an orchestration spent more than its ceiling.
func ErrBudgetExceeded(current, limit float64) *DomainError {
	return &DomainError{
		Category: ErrCatBudget,
		Code:     CodeBudgetExceeded,
		Message:  fmt.Sprintf("orchestration cost $%.4f exceeds limit $%.2f", current, limit),
		Details: map[string]interface{}{
			"current_cost": current,
			"limit":        limit,
		},
	}
}

// ErrAlreadyInProgress is returned by start when the project already has an active run.
func ErrAlreadyInProgress(projectID string, active ExecutionID) *DomainError {
	return ErrConflict(CodeAlreadyInProgress, "Orchestration already in progress").
		WithDetail("project_id", projectID).
		WithDetail("execution_id", string(active))
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeNotFound          = "NOT_FOUND"
	CodeTimeout           = "TIMEOUT"
	CodeAlreadyInProgress = "ALREADY_IN_PROGRESS"
	CodeInvalidState      = "INVALID_STATE"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeInvalidStep       = "INVALID_STEP"
	CodeIndexMismatch     = "STEP_INDEX_MISMATCH"
	CodeBatchInvariant    = "BATCH_INVARIANT"
	CodeMissingRecovery   = "MISSING_RECOVERY_CONTEXT"
	CodeSpawnFailed       = "SPAWN_FAILED"
	CodeStatusLookup      = "STATUS_LOOKUP_FAILED"
	CodeHealFailed        = "HEAL_FAILED"
	CodeUnknownAction     = "UNKNOWN_ACTION"
	CodeSpawnInProgress   = "SPAWN_IN_PROGRESS"
)
