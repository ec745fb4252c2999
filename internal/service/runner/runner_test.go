package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/decision"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/healing"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

const tasksText = `# Tasks

## Setup
- [ ] T001 Create module
- [ ] T002 Add config [depends: T001]

## Core
- [ ] T003 Implement engine
`

type fakeSessions struct {
	mu        sync.Mutex
	seq       int
	handles   map[string]*core.SessionHandle
	started   []core.SessionRequest
	cancelled []string
	startErr  error
	statusErr error
	runResult *core.SessionResult
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{handles: map[string]*core.SessionHandle{}}
}

func (f *fakeSessions) Start(_ context.Context, req core.SessionRequest) (*core.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.seq++
	h := &core.SessionHandle{
		ID:           fmt.Sprintf("sess-%d", f.seq),
		Status:       core.SessionRunning,
		LastActivity: time.Now(),
	}
	f.handles[h.ID] = h
	f.started = append(f.started, req)
	cp := *h
	return &cp, nil
}

func (f *fakeSessions) Status(_ context.Context, id string) (*core.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	h, ok := f.handles[id]
	if !ok {
		return nil, core.ErrNotFound("session", id)
	}
	cp := *h
	return &cp, nil
}

func (f *fakeSessions) Resume(context.Context, string, map[string]string) error { return nil }

func (f *fakeSessions) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) Run(_ context.Context, req core.SessionRequest) (*core.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.runResult == nil {
		return nil, errors.New("no healer result configured")
	}
	return f.runResult, nil
}

// finish marks a session finished with the given status and cost.
func (f *fakeSessions) finish(id string, status core.SessionStatus, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[id]
	h.Status = status
	h.CostUsd = cost
}

func (f *fakeSessions) setActivity(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[id].LastActivity = at
}

func (f *fakeSessions) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeSessions) lastRequest() core.SessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

type fakeStatus struct {
	mu     sync.Mutex
	status core.ProjectStatus
	err    error
}

func (f *fakeStatus) Status(context.Context, string) (*core.ProjectStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st := f.status
	return &st, nil
}

func (f *fakeStatus) set(st core.ProjectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

type harness struct {
	runner    *Runner
	svc       *orchestration.Service
	sessions  *fakeSessions
	status    *fakeStatus
	guard     *lock.SpawnGuard
	runners   *lock.RunnerLocks
	runnerDir string
	project   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	stateDir := t.TempDir()
	store, err := state.NewJSONStore(stateDir)
	require.NoError(t, err)

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "tasks.md"), []byte(tasksText), 0o600))

	sessions := newFakeSessions()
	status := &fakeStatus{}
	healer, err := healing.NewService(sessions)
	require.NoError(t, err)

	h := &harness{
		svc:       orchestration.NewService(store),
		sessions:  sessions,
		status:    status,
		guard:     lock.NewSpawnGuard(filepath.Join(stateDir, "locks")),
		runnerDir: filepath.Join(stateDir, "runners"),
		project:   project,
	}
	h.runners = lock.NewRunnerLocks(h.runnerDir)
	h.runner, err = New(cfg, Deps{
		State:    h.svc,
		Sessions: sessions,
		Status:   status,
		Healer:   healer,
		Guard:    h.guard,
		Runners:  h.runners,
	})
	require.NoError(t, err)
	t.Cleanup(h.runner.Shutdown)
	return h
}

func (h *harness) start(t *testing.T, projectID string, cfg core.OrchestrationConfig) *core.OrchestrationExecution {
	t.Helper()
	exec, err := h.svc.Start(context.Background(), orchestration.StartRequest{
		ProjectID:   projectID,
		ProjectPath: h.project,
		TasksPath:   filepath.Join(h.project, "tasks.md"),
		Config:      cfg,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) get(t *testing.T, id core.ExecutionID) *core.OrchestrationExecution {
	t.Helper()
	exec, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec
}

func loopFor(exec *core.OrchestrationExecution) *loop {
	return &loop{id: exec.ID, projectID: exec.ProjectID}
}

// settle evaluates until the loop would sleep, like one loop iteration.
func (h *harness) settle(l *loop) step {
	var res step
	for n := 0; n < maxFollowUps; n++ {
		res = h.runner.evaluate(context.Background(), l)
		if res.stop || !res.immediate {
			break
		}
	}
	return res
}

func skipTo(step core.StepName) core.OrchestrationConfig {
	cfg := core.DefaultOrchestrationConfig()
	for _, s := range core.AllSteps() {
		if s == step {
			break
		}
		cfg.SkipSteps = append(cfg.SkipSteps, s)
	}
	return cfg
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestRunner_DesignThroughMerge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	// design
	res := h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.Equal(t, "/flow.design", h.sessions.lastRequest().Skill)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StepInProgress, got.Step.Status)
	assert.Equal(t, "sess-1", got.CurrentSessionID())

	res = h.settle(l)
	assert.Equal(t, decision.ActionWait, res.action)

	h.sessions.finish("sess-1", core.SessionCompleted, 0.4)
	h.status.set(core.ProjectStatus{HasSpec: true})
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StepAnalyze, got.Step.Current)
	assert.Equal(t, "/flow.analyze", h.sessions.lastRequest().Skill)
	assert.InDelta(t, 0.4, got.TotalCostUsd, 1e-9)

	// analyze -> implement, batches planned and the first one spawned
	h.sessions.finish("sess-2", core.SessionCompleted, 0)
	h.status.set(core.ProjectStatus{HasSpec: true, HasPlan: true, HasTasks: true})
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StepImplement, got.Step.Current)
	require.Equal(t, 2, got.Batches.Total)
	assert.Equal(t, core.BatchRunning, got.Batches.Items[0].Status)
	req := h.sessions.lastRequest()
	assert.Equal(t, "Setup", req.Section)
	assert.Equal(t, []string{"T001", "T002"}, req.TaskIDs)
	assert.Contains(t, req.Prompt, "--tasks T001,T002")

	h.sessions.finish("sess-3", core.SessionCompleted, 1)
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.BatchCompleted, got.Batches.Items[0].Status)
	assert.Equal(t, core.BatchRunning, got.Batches.Items[1].Status)
	assert.InDelta(t, 1.0, got.Batches.Items[0].CostUsd, 1e-9)

	// last batch -> step forced complete -> verify spawned
	h.sessions.finish("sess-4", core.SessionCompleted, 0)
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StepVerify, got.Step.Current)
	assert.Equal(t, "/flow.verify", h.sessions.lastRequest().Skill)

	// verify -> waiting for merge approval
	h.sessions.finish("sess-5", core.SessionCompleted, 0)
	h.status.set(core.ProjectStatus{HasSpec: true, HasPlan: true, HasTasks: true, TasksTotal: 3, TasksComplete: 3})
	res = h.settle(l)
	assert.Equal(t, decision.ActionWaitMerge, res.action)
	assert.False(t, res.stop)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StatusWaitingMerge, got.Status)
	assert.Equal(t, core.StepMerge, got.Step.Current)

	res = h.settle(l)
	assert.Equal(t, decision.ActionWaitMerge, res.action)
	assert.Equal(t, 5, h.sessions.startCount())

	_, err := h.svc.TriggerMerge(context.Background(), exec.ID)
	require.NoError(t, err)
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.Equal(t, "/flow.merge", h.sessions.lastRequest().Skill)

	h.sessions.finish("sess-6", core.SessionCompleted, 0)
	res = h.settle(l)
	assert.Equal(t, decision.ActionComplete, res.action)
	assert.True(t, res.stop)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, core.PhaseComplete, got.CurrentPhase)
	assert.NotNil(t, got.CompletedAt)
}

func TestRunner_CorroborationFailureRetriesStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.finish("sess-1", core.SessionCompleted, 0)
	h.status.set(core.ProjectStatus{HasSpec: false})

	res := h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StepDesign, got.Step.Current)
	assert.Equal(t, 1, got.Step.HealAttempts)
	assert.Equal(t, "sess-2", got.CurrentSessionID())

	// Out of retries: the second corroboration failure needs a human.
	h.sessions.finish("sess-2", core.SessionCompleted, 0)
	res = h.settle(l)
	assert.Equal(t, decision.ActionNeedsAttention, res.action)
	assert.True(t, res.stop)
	got = h.get(t, exec.ID)
	assert.Equal(t, core.StatusNeedsAttention, got.Status)
	require.NotNil(t, got.RecoveryContext)
	assert.Contains(t, got.RecoveryContext.Issue, "design failed")
}

func TestRunner_StatusSourceErrorTrustsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.finish("sess-1", core.SessionCompleted, 0)
	h.status.err = errors.New("specflow not installed")

	h.settle(l)
	assert.Equal(t, core.StepAnalyze, h.get(t, exec.ID).Step.Current)
}

func TestRunner_FailedSessionNeedsAttentionThenRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.finish("sess-1", core.SessionFailed, 0.2)
	res := h.settle(l)
	assert.Equal(t, decision.ActionNeedsAttention, res.action)
	assert.True(t, res.stop)

	got := h.get(t, exec.ID)
	require.NotNil(t, got.RecoveryContext)
	assert.Equal(t, "sess-1", got.RecoveryContext.FailedWorkflowID)
	assert.InDelta(t, 0.2, got.TotalCostUsd, 1e-9)

	// A parked execution stops the loop without deciding.
	res = h.settle(l)
	assert.True(t, res.stop)
	assert.Equal(t, 1, h.sessions.startCount())

	_, err := h.svc.Recover(context.Background(), exec.ID, core.RecoveryRetry)
	require.NoError(t, err)
	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.Equal(t, "sess-2", h.get(t, exec.ID).CurrentSessionID())
}

func TestRunner_FinishedSessionChargedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.finish("sess-1", core.SessionCompleted, 0.4)
	snapshot := h.get(t, exec.ID)

	// A poll that observed the finished session but whose follow-up write
	// did not land sees the same session again.
	for i := 0; i < 2; i++ {
		_, _, err := h.runner.observe(context.Background(), snapshot, logging.NewNop())
		require.NoError(t, err)
	}

	got := h.get(t, exec.ID)
	assert.InDelta(t, 0.4, got.TotalCostUsd, 1e-9)
	assert.Equal(t, []string{"sess-1"}, got.Executions.Charged)
}

func TestRunner_FailedBatchIsHealed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", skipTo(core.StepImplement))
	l := loopFor(exec)

	res := h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action)

	h.sessions.runResult = &core.SessionResult{
		SessionID: "heal-1",
		Output:    "done\n{\"status\":\"fixed\",\"tasksCompleted\":[\"T001\",\"T002\"],\"tasksRemaining\":[]}",
		CostUsd:   0.5,
	}
	h.sessions.finish("sess-1", core.SessionFailed, 0.3)

	res = h.settle(l)
	assert.Equal(t, decision.ActionSpawn, res.action, "next batch spawns after healing")

	got := h.get(t, exec.ID)
	item := got.Batches.Items[0]
	assert.Equal(t, core.BatchHealed, item.Status)
	assert.Equal(t, 1, item.HealAttempts)
	assert.Equal(t, "heal-1", item.HealerExecutionID)
	assert.InDelta(t, 0.8, item.CostUsd, 1e-9)
	assert.InDelta(t, 0.5, got.HealingCostUsd, 1e-9)
	assert.Equal(t, []string{"heal-1"}, got.Executions.Healers)
	assert.Equal(t, core.BatchRunning, got.Batches.Items[1].Status)
}

func TestRunner_UnhealedBatchNeedsAttention(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", skipTo(core.StepImplement))
	l := loopFor(exec)

	h.settle(l)
	h.sessions.runResult = &core.SessionResult{
		SessionID: "heal-1",
		Output:    `{"status":"failed","tasksCompleted":[],"tasksRemaining":["T001","T002"],"blockerReason":"missing API key"}`,
		CostUsd:   0.1,
	}
	h.sessions.finish("sess-1", core.SessionFailed, 0)

	res := h.settle(l)
	assert.Equal(t, decision.ActionNeedsAttention, res.action)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StatusNeedsAttention, got.Status)
	assert.Equal(t, core.BatchFailed, got.Batches.Items[0].Status)
	assert.Equal(t, 1, got.Batches.Items[0].HealAttempts)
}

func TestRunner_HealingDisabledNeedsAttention(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	cfg := skipTo(core.StepImplement)
	cfg.AutoHealEnabled = false
	exec := h.start(t, "proj", cfg)
	l := loopFor(exec)

	h.settle(l)
	h.sessions.finish("sess-1", core.SessionFailed, 0)
	res := h.settle(l)
	assert.Equal(t, decision.ActionNeedsAttention, res.action)
	assert.Equal(t, 1, h.sessions.startCount(), "no healer session ran")
}

func TestRunner_LookupFailuresBackOffThenEscalate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxLookupFailures = 3
	h := newHarness(t, cfg)
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.statusErr = errors.New("agent cli crashed")

	res := h.settle(l)
	assert.False(t, res.stop)
	assert.Equal(t, decision.Backoff(1), res.delay)
	res = h.settle(l)
	assert.Equal(t, decision.Backoff(2), res.delay)

	res = h.settle(l)
	assert.True(t, res.stop)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StatusNeedsAttention, got.Status)
	require.NotNil(t, got.RecoveryContext)
	assert.Contains(t, got.RecoveryContext.Issue, "3 times")
	assert.Equal(t, "sess-1", got.RecoveryContext.FailedWorkflowID)
}

func TestRunner_LookupSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.statusErr = errors.New("flaky")
	h.settle(l)
	assert.Equal(t, 1, l.failures)

	h.sessions.statusErr = nil
	h.settle(l)
	assert.Equal(t, 0, l.failures)
}

func TestRunner_SpawnFailureBacksOff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	h.sessions.startErr = errors.New("claude: command not found")

	res := h.settle(loopFor(exec))
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.False(t, res.stop)
	assert.Equal(t, decision.Backoff(1), res.delay)
	assert.False(t, h.guard.Held(exec.ID), "guard released after a failed spawn")
	assert.Equal(t, core.StepNotStarted, h.get(t, exec.ID).Step.Status)
}

func TestRunner_SpawnSkippedWhileGuardHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())

	release, ok, err := h.guard.TryAcquire(exec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res := h.settle(loopFor(exec))
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.Zero(t, h.sessions.startCount())

	release()
	h.settle(loopFor(exec))
	assert.Equal(t, 1, h.sessions.startCount())
}

func TestRunner_ConcurrentEvaluationsSpawnOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runner.evaluate(context.Background(), loopFor(exec))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.sessions.startCount())
}

func TestRunner_BudgetExceededFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	_, err := h.svc.AddCost(context.Background(), exec.ID, orchestration.CostEntry{Amount: 60, BatchIndex: -1})
	require.NoError(t, err)

	res := h.settle(loopFor(exec))
	assert.True(t, res.stop)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Budget exceeded")
	assert.Zero(t, h.sessions.startCount())
}

func TestRunner_StaleSessionRespawnsOnce(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.StaleThreshold = time.Minute
	h := newHarness(t, cfg)
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	h.sessions.setActivity("sess-1", time.Now().Add(-time.Hour))

	res := h.settle(l)
	assert.Equal(t, decision.ActionRecoverStale, res.action)
	assert.Contains(t, h.sessions.cancelled, "sess-1")
	req := h.sessions.lastRequest()
	assert.Equal(t, "sess-1", req.ResumeSessionID)
	got := h.get(t, exec.ID)
	assert.Equal(t, "sess-2", got.CurrentSessionID())
	assert.Equal(t, 1, got.Step.StaleRecoveries)

	h.sessions.setActivity("sess-2", time.Now().Add(-time.Hour))
	res = h.settle(l)
	assert.Equal(t, decision.ActionNeedsAttention, res.action)
	assert.Equal(t, 2, h.sessions.startCount())
}

func TestRunner_EmptyTasksCompleteImplement(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	require.NoError(t, os.WriteFile(filepath.Join(h.project, "tasks.md"),
		[]byte("## Setup\n- [x] T001 done\n"), 0o600))
	exec := h.start(t, "proj", skipTo(core.StepImplement))

	res := h.settle(loopFor(exec))
	assert.Equal(t, decision.ActionSpawn, res.action)
	assert.Equal(t, core.StepVerify, h.get(t, exec.ID).Step.Current)
}

func TestRunner_MissingTasksFileNeedsAttention(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec, err := h.svc.Start(context.Background(), orchestration.StartRequest{
		ProjectID:   "proj",
		ProjectPath: t.TempDir(),
		Config:      skipTo(core.StepImplement),
	})
	require.NoError(t, err)

	res := h.settle(loopFor(exec))
	assert.True(t, res.stop)
	got := h.get(t, exec.ID)
	assert.Equal(t, core.StatusNeedsAttention, got.Status)
	assert.Contains(t, got.RecoveryContext.Issue, "No tasks file")
}

func TestRunner_CancelledExecutionCancelsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	l := loopFor(exec)

	h.settle(l)
	_, err := h.svc.Cancel(context.Background(), exec.ID, "")
	require.NoError(t, err)

	res := h.settle(l)
	assert.True(t, res.stop)
	assert.Equal(t, []string{"sess-1"}, h.sessions.cancelled)
}

func TestCorroborate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		step core.StepName
		st   core.ProjectStatus
		ok   bool
	}{
		{"design with spec", core.StepDesign, core.ProjectStatus{HasSpec: true}, true},
		{"design without spec", core.StepDesign, core.ProjectStatus{}, false},
		{"analyze needs plan and tasks", core.StepAnalyze, core.ProjectStatus{HasPlan: true}, false},
		{"analyze complete", core.StepAnalyze, core.ProjectStatus{HasPlan: true, HasTasks: true}, true},
		{"verify incomplete", core.StepVerify, core.ProjectStatus{TasksTotal: 4, TasksComplete: 3}, false},
		{"verify complete", core.StepVerify, core.ProjectStatus{TasksTotal: 4, TasksComplete: 4}, true},
		{"merge trusts session", core.StepMerge, core.ProjectStatus{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Corroborate(tt.step, &tt.st)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestSessionBudget(t *testing.T) {
	t.Parallel()
	exec := &core.OrchestrationExecution{
		Config:       core.DefaultOrchestrationConfig(),
		TotalCostUsd: 47,
		Batches:      core.BatchTracking{Total: 1, Items: []core.BatchItem{{CostUsd: 1}}},
	}
	assert.InDelta(t, 3.0, sessionBudget(exec, decision.NoBatch), 1e-9)
	assert.InDelta(t, 3.0, sessionBudget(exec, 0), 1e-9)

	exec.TotalCostUsd = 10
	assert.InDelta(t, 4.0, sessionBudget(exec, 0), 1e-9)

	exec.TotalCostUsd = 60
	assert.Zero(t, sessionBudget(exec, decision.NoBatch))
}

func TestRunner_LoopLifecycle(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	ctx := context.Background()

	require.NoError(t, h.runner.StartLoop(ctx, exec.ID))
	require.NoError(t, h.runner.StartLoop(ctx, exec.ID), "second start is a no-op")
	assert.True(t, h.runner.Running(exec.ID))

	rec, err := h.runners.Get("proj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, exec.ID, rec.ExecutionID)
	assert.True(t, rec.Owned())

	require.Eventually(t, func() bool { return h.sessions.startCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.runner.Trigger(exec.ID)

	_, err = h.svc.Cancel(ctx, exec.ID, "")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Wait(waitCtx, exec.ID))
	require.Eventually(t, func() bool { return !h.runner.Running(exec.ID) }, time.Second, 5*time.Millisecond)

	rec, err = h.runners.Get("proj")
	require.NoError(t, err)
	assert.Nil(t, rec, "runner record removed on exit")
}

func TestRunner_StartLoopRejectsTerminalAndMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	err := h.runner.StartLoop(ctx, "missing")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	_, err = h.svc.Cancel(ctx, exec.ID, "")
	require.NoError(t, err)
	assert.Error(t, h.runner.StartLoop(ctx, exec.ID))
}

func TestRunner_MaxIterationsStopsLoop(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxIterations = 2
	h := newHarness(t, cfg)
	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())

	require.NoError(t, h.runner.StartLoop(context.Background(), exec.ID))
	require.Eventually(t, func() bool { return !h.runner.Running(exec.ID) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.StatusRunning, h.get(t, exec.ID).Status)
}

func writeDeadRecord(t *testing.T, dir, projectID string, id core.ExecutionID) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	data, err := json.Marshal(lock.RunnerRecord{
		ProjectID:   projectID,
		ExecutionID: id,
		PID:         1 << 22,
		StartedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, projectID+".json"), data, 0o600))
}

func TestRunner_Reconcile(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	running := h.start(t, "proj-a", core.DefaultOrchestrationConfig())
	cancelled := h.start(t, "proj-b", core.DefaultOrchestrationConfig())
	_, err := h.svc.Cancel(ctx, cancelled.ID, "")
	require.NoError(t, err)
	orphan := h.start(t, "proj-c", core.DefaultOrchestrationConfig())

	writeDeadRecord(t, h.runnerDir, "proj-a", running.ID)
	writeDeadRecord(t, h.runnerDir, "proj-b", cancelled.ID)

	report, err := h.runner.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Restarted)
	assert.Equal(t, 1, report.Cleared)

	assert.True(t, h.runner.Running(running.ID))
	assert.True(t, h.runner.Running(orphan.ID))
	assert.False(t, h.runner.Running(cancelled.ID))

	rec, err := h.runners.Get("proj-b")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = h.runners.Get("proj-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Owned())

	h.runner.Shutdown()
	assert.Empty(t, h.runner.Active())
}

type panickingSessions struct {
	*fakeSessions
}

func (panickingSessions) Start(context.Context, core.SessionRequest) (*core.SessionHandle, error) {
	panic("session adapter bug")
}

func TestRunner_PanicFailsExecutionAndWritesDump(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	dumps := t.TempDir()

	r, err := New(DefaultConfig(), Deps{
		State:    h.svc,
		Sessions: panickingSessions{newFakeSessions()},
		Status:   h.status,
		Guard:    h.guard,
		Runners:  h.runners,
		Crashes:  diagnostics.NewCrashDumpWriter(dumps),
	})
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)

	exec := h.start(t, "proj", core.DefaultOrchestrationConfig())
	require.NoError(t, r.StartLoop(context.Background(), exec.ID))
	require.Eventually(t, func() bool { return !r.Running(exec.ID) }, 2*time.Second, 5*time.Millisecond)

	got := h.get(t, exec.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "session adapter bug")

	dump, err := diagnostics.LoadLatestCrashDump(dumps)
	require.NoError(t, err)
	assert.Equal(t, string(exec.ID), dump.Context.ExecutionID)
	assert.Equal(t, "session adapter bug", dump.PanicValue)
	assert.Equal(t, string(core.StepDesign), dump.Context.Step)
}
