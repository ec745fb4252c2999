package core

import (
	"context"
	"time"
)

// =============================================================================
// ExecutionStore Port
// =============================================================================

// ExecutionStore defines the contract for orchestration record persistence.
// Writes must be atomic: a reader never observes a partially written record.
type ExecutionStore interface {
	// Load retrieves an execution by ID.
	// Returns nil and no error if the execution doesn't exist.
	Load(ctx context.Context, id ExecutionID) (*OrchestrationExecution, error)

	// Save persists the execution atomically.
	Save(ctx context.Context, exec *OrchestrationExecution) error

	// List returns executions for a project, newest first.
	// An empty projectID lists every execution.
	List(ctx context.Context, projectID string) ([]*OrchestrationExecution, error)

	// ActiveExecutionID returns the execution currently claimed active for a project.
	// Returns empty string if none is active.
	ActiveExecutionID(ctx context.Context, projectID string) (ExecutionID, error)

	// SetActive claims id as the active execution of the project.
	SetActive(ctx context.Context, projectID string, id ExecutionID) error

	// ClearActive removes the active pointer of the project.
	ClearActive(ctx context.Context, projectID string) error

	// ListActive returns every project with an active pointer.
	ListActive(ctx context.Context) (map[string]ExecutionID, error)

	// LockProject holds an exclusive lock over the project's records, shared
	// by every process using the same state directory, until unlock is called.
	// It blocks until the lock is acquired or ctx is done.
	LockProject(ctx context.Context, projectID string) (unlock func(), err error)

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// SessionRunner Port
// =============================================================================

// SessionStatus is the live status of an external agent session.
type SessionStatus string

const (
	SessionRunning         SessionStatus = "running"
	SessionWaitingForInput SessionStatus = "waiting_for_input"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
	SessionCancelled       SessionStatus = "cancelled"
)

// IsFinished reports whether the session has stopped.
func (s SessionStatus) IsFinished() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// SessionRequest describes an agent session to start.
type SessionRequest struct {
	Skill       string
	ProjectPath string
	Prompt      string

	// Section and TaskIDs scope an implement session to one batch.
	Section string
	TaskIDs []string

	// ResumeSessionID continues an existing session; Fork branches it instead.
	ResumeSessionID string
	Fork            bool

	MaxBudgetUsd float64
	Timeout      time.Duration
}

// SessionHandle is the observable state of a session.
type SessionHandle struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	CostUsd      float64       `json:"costUsd"`
	LastActivity time.Time     `json:"lastActivity"`
	Error        string        `json:"error,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	LogPath      string        `json:"logPath,omitempty"`
}

// SessionResult is the outcome of a synchronous session run.
type SessionResult struct {
	SessionID string
	Output    string
	CostUsd   float64
	Duration  time.Duration
	IsError   bool
	Error     string
}

// SessionRunner defines the contract for external agent session management.
type SessionRunner interface {
	// Start launches a session in the background and returns immediately.
	Start(ctx context.Context, req SessionRequest) (*SessionHandle, error)

	// Status returns the live status of a session.
	// Returns a not_found DomainError if the session is unknown.
	Status(ctx context.Context, id string) (*SessionHandle, error)

	// Resume answers a session that is waiting for input.
	Resume(ctx context.Context, id string, answers map[string]string) error

	// Cancel asks a session to terminate. Best effort.
	Cancel(ctx context.Context, id string) error

	// Run executes a session to completion and returns its result.
	Run(ctx context.Context, req SessionRequest) (*SessionResult, error)
}

// =============================================================================
// StatusSource Port
// =============================================================================

// ProjectStatus is the artifact-level view of a project used to corroborate step completion.
type ProjectStatus struct {
	Phase         string `json:"phase"`
	HasSpec       bool   `json:"hasSpec"`
	HasPlan       bool   `json:"hasPlan"`
	HasTasks      bool   `json:"hasTasks"`
	TasksTotal    int    `json:"tasksTotal"`
	TasksComplete int    `json:"tasksComplete"`
}

// StatusSource reports project artifact status.
type StatusSource interface {
	Status(ctx context.Context, projectPath string) (*ProjectStatus, error)
}

// =============================================================================
// ProjectResolver Port
// =============================================================================

// ProjectResolver maps a project ID to its filesystem path.
type ProjectResolver interface {
	ResolvePath(ctx context.Context, projectID string) (string, error)
}
