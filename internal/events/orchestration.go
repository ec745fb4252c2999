package events

// Event type constants for orchestration events.
const (
	TypeExecutionStarted  = "execution_started"
	TypeExecutionUpdated  = "execution_updated"
	TypeExecutionFinished = "execution_finished"
	TypeDecisionMade      = "decision_made"
	TypeSessionSpawned    = "session_spawned"
	TypeHealCompleted     = "heal_completed"
	TypeTasksChanged      = "tasks_changed"
)

// ExecutionStartedEvent is emitted when a new orchestration is claimed active.
type ExecutionStartedEvent struct {
	BaseEvent
	Phase string `json:"phase"`
}

// NewExecutionStartedEvent creates a new execution started event.
func NewExecutionStartedEvent(executionID, projectID, phase string) ExecutionStartedEvent {
	return ExecutionStartedEvent{
		BaseEvent: NewBaseEvent(TypeExecutionStarted, executionID, projectID),
		Phase:     phase,
	}
}

// ExecutionUpdatedEvent is emitted after every persisted state change.
type ExecutionUpdatedEvent struct {
	BaseEvent
	Status       string  `json:"status"`
	Phase        string  `json:"phase"`
	Decision     string  `json:"decision"`
	Reason       string  `json:"reason"`
	BatchCurrent int     `json:"batchCurrent"`
	BatchTotal   int     `json:"batchTotal"`
	TotalCostUsd float64 `json:"totalCostUsd"`
}

// NewExecutionUpdatedEvent creates a new execution updated event.
func NewExecutionUpdatedEvent(executionID, projectID, status, phase, decision, reason string) ExecutionUpdatedEvent {
	return ExecutionUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeExecutionUpdated, executionID, projectID),
		Status:    status,
		Phase:     phase,
		Decision:  decision,
		Reason:    reason,
	}
}

// ExecutionFinishedEvent is emitted once when an execution reaches a terminal status.
type ExecutionFinishedEvent struct {
	BaseEvent
	Status       string  `json:"status"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	TotalCostUsd float64 `json:"totalCostUsd"`
}

// NewExecutionFinishedEvent creates a new execution finished event.
func NewExecutionFinishedEvent(executionID, projectID, status, errMsg string, cost float64) ExecutionFinishedEvent {
	return ExecutionFinishedEvent{
		BaseEvent:    NewBaseEvent(TypeExecutionFinished, executionID, projectID),
		Status:       status,
		ErrorMessage: errMsg,
		TotalCostUsd: cost,
	}
}

// DecisionMadeEvent is emitted by the runner for every decision it evaluates,
// including no-op waits that do not touch the persisted record.
type DecisionMadeEvent struct {
	BaseEvent
	Action string `json:"action"`
	Reason string `json:"reason"`
	Step   string `json:"step"`
	Batch  int    `json:"batch"`
}

// NewDecisionMadeEvent creates a new decision event.
func NewDecisionMadeEvent(executionID, projectID, action, reason, step string, batch int) DecisionMadeEvent {
	return DecisionMadeEvent{
		BaseEvent: NewBaseEvent(TypeDecisionMade, executionID, projectID),
		Action:    action,
		Reason:    reason,
		Step:      step,
		Batch:     batch,
	}
}

// SessionSpawnedEvent is emitted when an external agent session is started.
type SessionSpawnedEvent struct {
	BaseEvent
	SessionID string `json:"sessionId"`
	Skill     string `json:"skill"`
	Batch     int    `json:"batch"`
}

// NewSessionSpawnedEvent creates a new session spawned event.
func NewSessionSpawnedEvent(executionID, projectID, sessionID, skill string, batch int) SessionSpawnedEvent {
	return SessionSpawnedEvent{
		BaseEvent: NewBaseEvent(TypeSessionSpawned, executionID, projectID),
		SessionID: sessionID,
		Skill:     skill,
		Batch:     batch,
	}
}

// HealCompletedEvent is emitted after a healer session returns.
type HealCompletedEvent struct {
	BaseEvent
	Batch   int     `json:"batch"`
	Status  string  `json:"status"`
	Summary string  `json:"summary"`
	CostUsd float64 `json:"costUsd"`
}

// NewHealCompletedEvent creates a new heal completed event.
func NewHealCompletedEvent(executionID, projectID string, batch int, status, summary string, cost float64) HealCompletedEvent {
	return HealCompletedEvent{
		BaseEvent: NewBaseEvent(TypeHealCompleted, executionID, projectID),
		Batch:     batch,
		Status:    status,
		Summary:   summary,
		CostUsd:   cost,
	}
}

// TasksChangedEvent is emitted when a watched tasks file changes on disk.
type TasksChangedEvent struct {
	BaseEvent
	Path string `json:"path"`
}

// NewTasksChangedEvent creates a new tasks changed event.
func NewTasksChangedEvent(projectID, path string) TasksChangedEvent {
	return TasksChangedEvent{
		BaseEvent: NewBaseEvent(TypeTasksChanged, "", projectID),
		Path:      path,
	}
}
