// Package orchestration implements the state service that owns persisted
// orchestration executions. Every mutation is a read-validate-write cycle
// against the ExecutionStore and appends one decision-log entry.
//
// Operations whose precondition does not hold return (nil, nil) so callers
// can branch without inspecting errors.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

// Publisher receives change notifications. *events.EventBus satisfies it.
type Publisher interface {
	Publish(event events.Event)
	PublishPriority(event events.Event)
}

// Service is the state service.
type Service struct {
	store     core.ExecutionStore
	logger    *logging.Logger
	publisher Publisher
	now       func() time.Time
	newID     func() core.ExecutionID

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher publishes an event after every persisted change.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(gen func() core.ExecutionID) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService creates a state service over store.
func NewService(store core.ExecutionStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logging.NewNop(),
		now:    time.Now,
		newID: func() core.ExecutionID {
			return core.ExecutionID("orch-" + uuid.NewString())
		},
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying execution store.
func (s *Service) Store() core.ExecutionStore {
	return s.store
}

// lockProject serializes writers of a project. The in-process mutex keeps
// goroutines of this process off the store lock; the store lock excludes
// other processes sharing the state directory, such as the CLI and serve.
func (s *Service) lockProject(ctx context.Context, projectID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	s.mu.Unlock()

	l.Lock()
	release, err := s.store.LockProject(ctx, projectID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	return func() {
		release()
		l.Unlock()
	}, nil
}

// StartRequest describes a new orchestration run.
type StartRequest struct {
	ProjectID   string
	ProjectPath string
	TasksPath   string
	Config      core.OrchestrationConfig
	// Plan optionally attaches the initial batch plan.
	Plan *planner.Plan
}

// Start creates a new execution and claims it active for the project.
// It fails with an already-in-progress conflict when the project has a live run.
func (s *Service) Start(ctx context.Context, req StartRequest) (*core.OrchestrationExecution, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "project id is required")
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	first := req.Config.FirstActiveStep()
	if first == core.PhaseComplete {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "every step is skipped")
	}

	unlock, err := s.lockProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.activeLocked(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, core.ErrAlreadyInProgress(req.ProjectID, current.ID)
	}

	now := s.now()
	exec := &core.OrchestrationExecution{
		ID:           s.newID(),
		ProjectID:    req.ProjectID,
		ProjectPath:  req.ProjectPath,
		TasksPath:    req.TasksPath,
		Status:       core.StatusRunning,
		Config:       req.Config,
		CurrentPhase: first,
		Step:         core.NewStep(first),
		Executions:   core.ExecutionLinks{Steps: map[core.StepName][]string{}},
		StartedAt:    now,
		UpdatedAt:    now,
	}
	reason := fmt.Sprintf("Orchestration started at %s", first)
	if req.Plan != nil && len(req.Plan.Batches) > 0 {
		exec.Batches = trackingFromPlan(req.Plan)
		reason += fmt.Sprintf(" with %d batches", exec.Batches.Total)
	}
	exec.AppendDecision(now, "start", reason)

	if err := s.store.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := s.store.SetActive(ctx, exec.ProjectID, exec.ID); err != nil {
		return nil, err
	}

	s.logger.WithProject(exec.ProjectID).WithExecution(string(exec.ID)).
		Info("orchestration started", "step", first, "batches", exec.Batches.Total)
	if s.publisher != nil {
		s.publisher.Publish(events.NewExecutionStartedEvent(string(exec.ID), exec.ProjectID, string(first)))
	}
	return exec, nil
}

// activeLocked returns the live active execution of a project. A corrupt or
// missing record, or a terminal one, counts as none.
func (s *Service) activeLocked(ctx context.Context, projectID string) (*core.OrchestrationExecution, error) {
	id, err := s.store.ActiveExecutionID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		if core.IsCategory(err, core.ErrCatState) {
			s.logger.WithProject(projectID).Warn("active execution record is unreadable, treating as none",
				"execution_id", id, "error", err)
			return nil, nil
		}
		return nil, err
	}
	if exec == nil || exec.Status.IsTerminal() {
		return nil, nil
	}
	return exec, nil
}

// Get returns an execution, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.store.Load(ctx, id)
}

// GetActive returns the project's active execution, or nil.
func (s *Service) GetActive(ctx context.Context, projectID string) (*core.OrchestrationExecution, error) {
	return s.activeLocked(ctx, projectID)
}

// List returns executions newest first; an empty projectID lists all projects.
func (s *Service) List(ctx context.Context, projectID string) ([]*core.OrchestrationExecution, error) {
	return s.store.List(ctx, projectID)
}

// IsActive reports whether id is the claimed active execution of its project.
func (s *Service) IsActive(ctx context.Context, exec *core.OrchestrationExecution) (bool, error) {
	if exec == nil {
		return false, nil
	}
	id, err := s.store.ActiveExecutionID(ctx, exec.ProjectID)
	if err != nil {
		return false, err
	}
	return id == exec.ID, nil
}

// mutation applies a change to a copy of the record. It returns the decision
// label and reason to log, or ok=false when the precondition does not hold.
type mutation func(exec *core.OrchestrationExecution, now time.Time) (decision, reason string, ok bool, err error)

// update runs a read-validate-write cycle under the project lock, so writes
// from other processes are never lost in between.
func (s *Service) update(ctx context.Context, id core.ExecutionID, fn mutation) (*core.OrchestrationExecution, error) {
	existing, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, core.ErrNotFound("execution", string(id))
	}

	unlock, err := s.lockProject(ctx, existing.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, core.ErrNotFound("execution", string(id))
	}
	wasTerminal := exec.Status.IsTerminal()

	next := exec.Clone()
	now := s.now()
	decision, reason, ok, err := fn(next, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	next.AppendDecision(now, decision, reason)

	if err := s.checkConsistency(next); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, next); err != nil {
		return nil, err
	}
	if !wasTerminal && next.Status.IsTerminal() {
		if err := s.releaseActive(ctx, next); err != nil {
			return nil, err
		}
	}

	s.logger.WithProject(next.ProjectID).WithExecution(string(next.ID)).
		Debug("execution updated", "decision", decision, "reason", reason, "status", next.Status)
	s.publish(next, decision, reason, wasTerminal)
	return next, nil
}

// checkConsistency blocks writes that would persist an invalid record.
func (s *Service) checkConsistency(exec *core.OrchestrationExecution) error {
	issues := Validate(exec)
	for _, issue := range issues {
		if issue.Severity == SeverityWarning {
			s.logger.WithExecution(string(exec.ID)).Warn("execution consistency warning",
				"code", issue.Code, "message", issue.Message)
		}
	}
	return FirstError(issues)
}

func (s *Service) releaseActive(ctx context.Context, exec *core.OrchestrationExecution) error {
	active, err := s.store.ActiveExecutionID(ctx, exec.ProjectID)
	if err != nil {
		return err
	}
	if active != exec.ID {
		return nil
	}
	return s.store.ClearActive(ctx, exec.ProjectID)
}

func (s *Service) publish(exec *core.OrchestrationExecution, decision, reason string, wasTerminal bool) {
	if s.publisher == nil {
		return
	}
	ev := events.NewExecutionUpdatedEvent(string(exec.ID), exec.ProjectID,
		string(exec.Status), string(exec.CurrentPhase), decision, reason)
	ev.BatchCurrent = exec.Batches.Current
	ev.BatchTotal = exec.Batches.Total
	ev.TotalCostUsd = exec.TotalCostUsd
	s.publisher.Publish(ev)

	if !wasTerminal && exec.Status.IsTerminal() {
		s.publisher.PublishPriority(events.NewExecutionFinishedEvent(string(exec.ID), exec.ProjectID,
			string(exec.Status), exec.ErrorMessage, exec.TotalCostUsd))
	}
}

func finish(exec *core.OrchestrationExecution, status core.ExecutionStatus, now time.Time) {
	exec.Status = status
	exec.RecoveryContext = nil
	t := now
	exec.CompletedAt = &t
}

// Pause moves a running execution to paused.
func (s *Service) Pause(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning {
			return "", "", false, nil
		}
		exec.Status = core.StatusPaused
		return "pause", "Paused by user", true, nil
	})
}

// Resume moves a paused execution back to running.
func (s *Service) Resume(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusPaused {
			return "", "", false, nil
		}
		exec.Status = core.StatusRunning
		return "resume", "Resumed by user", true, nil
	})
}

// Cancel terminates a non-terminal execution.
func (s *Service) Cancel(ctx context.Context, id core.ExecutionID, reason string) (*core.OrchestrationExecution, error) {
	if reason == "" {
		reason = "Cancelled by user"
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		finish(exec, core.StatusCancelled, now)
		return "cancel", reason, true, nil
	})
}

// Fail terminates a non-terminal execution with an error message.
func (s *Service) Fail(ctx context.Context, id core.ExecutionID, reason string) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		finish(exec, core.StatusFailed, now)
		exec.ErrorMessage = reason
		return "fail", reason, true, nil
	})
}

// TransitionToNextPhase moves a running execution past its completed or
// skipped step. Skipped steps are jumped over; entering merge without
// auto-merge parks the execution in waiting_merge; leaving the last step
// completes it.
func (s *Service) TransitionToNextPhase(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning {
			return "", "", false, nil
		}
		if exec.Step.Status != core.StepComplete && exec.Step.Status != core.StepSkipped {
			return "", "", false, nil
		}

		from := exec.Step.Current
		next := exec.Config.NextActiveStep(from)
		if next == core.PhaseComplete {
			exec.CurrentPhase = core.PhaseComplete
			finish(exec, core.StatusCompleted, now)
			return "complete", fmt.Sprintf("All steps complete after %s", from), true, nil
		}

		exec.CurrentPhase = next
		exec.Step = core.NewStep(next)
		reason := fmt.Sprintf("%s → %s", from, next)
		if next == core.StepMerge && !exec.Config.AutoMerge {
			exec.Status = core.StatusWaitingMerge
			reason += " (waiting for merge approval)"
		}
		return "transition", reason, true, nil
	})
}

// TriggerMerge releases an execution parked in waiting_merge.
func (s *Service) TriggerMerge(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusWaitingMerge {
			return "", "", false, nil
		}
		exec.Status = core.StatusRunning
		if exec.Step.Current != core.StepMerge {
			exec.CurrentPhase = core.StepMerge
			exec.Step = core.NewStep(core.StepMerge)
		}
		return "merge", "Merge triggered", true, nil
	})
}

// SetStepStatus records an observed status of the current step.
func (s *Service) SetStepStatus(ctx context.Context, id core.ExecutionID, status core.StepStatus, reason string) (*core.OrchestrationExecution, error) {
	if !core.ValidStepStatus(status) {
		return nil, core.ErrValidation(core.CodeInvalidStep, fmt.Sprintf("unknown step status %q", status))
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() || exec.Step.Status == status {
			return "", "", false, nil
		}
		prev := exec.Step.Status
		exec.Step.Status = status
		if reason == "" {
			reason = fmt.Sprintf("%s %s → %s", exec.Step.Current, prev, status)
		}
		return "step_" + string(status), reason, true, nil
	})
}

// ForceStepComplete marks the implement step complete once every batch is done.
func (s *Service) ForceStepComplete(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() || exec.Step.Current != core.StepImplement ||
			exec.Step.Status == core.StepComplete || !exec.Batches.AllDone() {
			return "", "", false, nil
		}
		exec.Step.Status = core.StepComplete
		exec.Batches.Current = exec.Batches.Total
		return "force_step_complete", fmt.Sprintf("All %d batches done", exec.Batches.Total), true, nil
	})
}

// LinkWorkflowExecution binds an external session to the current step, and
// to the current batch during implement, marking that unit in progress.
func (s *Service) LinkWorkflowExecution(ctx context.Context, id core.ExecutionID, sessionID string) (*core.OrchestrationExecution, error) {
	if sessionID == "" {
		return nil, core.ErrValidation(core.CodeInvalidState, "session id is required")
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		step := exec.Step.Current
		if exec.Executions.Steps == nil {
			exec.Executions.Steps = map[core.StepName][]string{}
		}
		exec.Executions.Steps[step] = append(exec.Executions.Steps[step], sessionID)
		exec.Step.Status = core.StepInProgress

		reason := fmt.Sprintf("Session %s linked to %s", sessionID, step)
		if step == core.StepImplement {
			if item := exec.Batches.CurrentItem(); item != nil {
				item.WorkflowExecutionID = sessionID
				item.Status = core.BatchRunning
				t := now
				item.StartedAt = &t
				item.CompletedAt = nil
				reason = fmt.Sprintf("Session %s linked to batch %d (%s)", sessionID, item.Index, item.Section)
			}
		}
		return "link", reason, true, nil
	})
}

// LinkHealerExecution records a healer session. A negative batchIndex links
// a step-level healer.
func (s *Service) LinkHealerExecution(ctx context.Context, id core.ExecutionID, batchIndex int, sessionID string) (*core.OrchestrationExecution, error) {
	if sessionID == "" {
		return nil, core.ErrValidation(core.CodeInvalidState, "session id is required")
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		exec.Executions.Healers = append(exec.Executions.Healers, sessionID)
		if batchIndex < 0 {
			return "link_healer", fmt.Sprintf("Healer %s linked to %s", sessionID, exec.Step.Current), true, nil
		}
		item, err := batchAt(exec, batchIndex)
		if err != nil {
			return "", "", false, err
		}
		item.HealerExecutionID = sessionID
		return "link_healer", fmt.Sprintf("Healer %s linked to batch %d", sessionID, batchIndex), true, nil
	})
}

// AddCost accumulates spend. Healing spend also counts against the healing
// budget, truncated to what remains of it; batch spend is attributed to the batch.
// An entry naming a session is recorded once per session.
func (s *Service) AddCost(ctx context.Context, id core.ExecutionID, entry CostEntry) (*core.OrchestrationExecution, error) {
	if entry.Amount < 0 {
		return nil, core.ErrValidation(core.CodeInvalidState, "cost must be >= 0")
	}
	if entry.Amount == 0 {
		return nil, nil
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if entry.SessionID != "" {
			if exec.Executions.IsCharged(entry.SessionID) {
				return "", "", false, nil
			}
			exec.Executions.Charged = append(exec.Executions.Charged, entry.SessionID)
		}
		exec.TotalCostUsd += entry.Amount
		if entry.Healing {
			charged := entry.Amount
			if remaining := exec.RemainingHealingBudget(); charged > remaining {
				charged = remaining
			}
			exec.HealingCostUsd += charged
		}
		if entry.BatchIndex >= 0 && entry.BatchIndex < len(exec.Batches.Items) {
			exec.Batches.Items[entry.BatchIndex].CostUsd += entry.Amount
		}
		label := entry.Source
		if label == "" {
			label = "session"
		}
		return "cost", fmt.Sprintf("+$%.4f (%s), total $%.4f", entry.Amount, label, exec.TotalCostUsd), true, nil
	})
}

// CostEntry is one unit of recorded spend.
type CostEntry struct {
	Amount     float64
	BatchIndex int
	Healing    bool
	Source     string
	// SessionID makes the entry idempotent: a session is charged at most once.
	SessionID string
}

// MarkNeedsAttention parks an execution for a human decision.
func (s *Service) MarkNeedsAttention(ctx context.Context, id core.ExecutionID, issue string, options []core.RecoveryOption, failedWorkflowID string) (*core.OrchestrationExecution, error) {
	if len(options) == 0 {
		options = []core.RecoveryOption{core.RecoveryRetry, core.RecoveryAbort}
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status.IsTerminal() {
			return "", "", false, nil
		}
		if exec.Status == core.StatusNeedsAttention && exec.RecoveryContext != nil &&
			exec.RecoveryContext.Issue == issue {
			return "", "", false, nil
		}
		exec.Status = core.StatusNeedsAttention
		exec.RecoveryContext = &core.RecoveryContext{
			Issue:            issue,
			Options:          append([]core.RecoveryOption(nil), options...),
			FailedWorkflowID: failedWorkflowID,
		}
		return "needs_attention", issue, true, nil
	})
}

// Recover applies a human recovery choice to an execution needing attention.
// Retry resets the failed unit of work and resumes; abort cancels.
func (s *Service) Recover(ctx context.Context, id core.ExecutionID, option core.RecoveryOption) (*core.OrchestrationExecution, error) {
	if _, err := core.ParseRecoveryOption(string(option)); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, now time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusNeedsAttention {
			return "", "", false, nil
		}
		if rc := exec.RecoveryContext; rc != nil && len(rc.Options) > 0 && !offered(rc.Options, option) {
			return "", "", false, core.ErrValidation(core.CodeInvalidState,
				fmt.Sprintf("recovery option %q is not offered for: %s", option, rc.Issue))
		}
		if option == core.RecoveryAbort {
			finish(exec, core.StatusCancelled, now)
			return "recover_abort", "Aborted after needing attention", true, nil
		}

		issue := ""
		if exec.RecoveryContext != nil {
			issue = exec.RecoveryContext.Issue
		}
		exec.RecoveryContext = nil
		exec.ErrorMessage = ""
		exec.Status = core.StatusRunning

		reason := "Retrying " + string(exec.Step.Current)
		if item := exec.Batches.CurrentItem(); exec.Step.Current == core.StepImplement && item != nil && !item.Status.IsDone() {
			item.Status = core.BatchPending
			item.WorkflowExecutionID = ""
			item.StaleRecoveries = 0
			reason = fmt.Sprintf("Retrying batch %d (%s)", item.Index, item.Section)
		} else if exec.Step.Status != core.StepComplete && exec.Step.Status != core.StepSkipped {
			exec.Step.Status = core.StepNotStarted
			exec.Step.StaleRecoveries = 0
		}
		if issue != "" {
			reason += " after: " + issue
		}
		return "recover_retry", reason, true, nil
	})
}

func offered(options []core.RecoveryOption, option core.RecoveryOption) bool {
	for _, o := range options {
		if o == option {
			return true
		}
	}
	return false
}

// RetryStep is the step-level heal: it resets a failed non-implement step so
// it is spawned again, counting one heal attempt.
func (s *Service) RetryStep(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning || exec.Step.Status != core.StepFailed {
			return "", "", false, nil
		}
		if exec.Step.HealAttempts >= exec.Config.MaxHealAttempts {
			return "", "", false, nil
		}
		exec.Step.HealAttempts++
		exec.Step.Status = core.StepNotStarted
		return "heal", fmt.Sprintf("Retrying %s (attempt %d/%d)",
			exec.Step.Current, exec.Step.HealAttempts, exec.Config.MaxHealAttempts), true, nil
	})
}

// RecordStaleRecovery counts a stale-session recovery on the current unit of
// work and resets it so a replacement session can be spawned.
func (s *Service) RecordStaleRecovery(ctx context.Context, id core.ExecutionID, staleSessionID string) (*core.OrchestrationExecution, error) {
	return s.update(ctx, id, func(exec *core.OrchestrationExecution, _ time.Time) (string, string, bool, error) {
		if exec.Status != core.StatusRunning {
			return "", "", false, nil
		}
		if exec.Step.Current == core.StepImplement {
			item := exec.Batches.CurrentItem()
			if item == nil || item.Status != core.BatchRunning {
				return "", "", false, nil
			}
			item.StaleRecoveries++
			item.Status = core.BatchPending
			item.WorkflowExecutionID = ""
			return "recover_stale", fmt.Sprintf("Batch %d session %s went stale", item.Index, staleSessionID), true, nil
		}
		if exec.Step.Status != core.StepInProgress {
			return "", "", false, nil
		}
		exec.Step.StaleRecoveries++
		exec.Step.Status = core.StepNotStarted
		return "recover_stale", fmt.Sprintf("%s session %s went stale", exec.Step.Current, staleSessionID), true, nil
	})
}
