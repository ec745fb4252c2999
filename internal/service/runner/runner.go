// Package runner drives active orchestration executions. One loop per
// execution polls the persisted record, asks the decision engine for the
// next action and executes it through the state service.
package runner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/metrics"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/healing"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

// Config holds the runner timing and escalation settings.
type Config struct {
	// PollInterval is the delay between evaluations (default: 10s).
	PollInterval time.Duration

	// MaxIterations stops a loop after this many evaluations. 0 means unbounded.
	MaxIterations int

	// SpawnTimeout bounds each external session start and healer run (default: 10m).
	SpawnTimeout time.Duration

	// StaleThreshold is the inactivity after which a running session is stale (default: 10m).
	StaleThreshold time.Duration

	// MaxDuration is the wall-clock ceiling of a run (default: 4h).
	MaxDuration time.Duration

	// MaxLookupFailures is how many consecutive external call failures are
	// tolerated before the execution is parked for attention (default: 5).
	MaxLookupFailures int

	// TriggerRate limits out-of-band evaluations per execution, per second (default: 1).
	TriggerRate float64

	// Skills overrides the agent skill per step.
	Skills map[core.StepName]string
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      core.DefaultPollInterval,
		SpawnTimeout:      core.DefaultSpawnTimeout,
		StaleThreshold:    core.DefaultStaleThreshold,
		MaxDuration:       core.DefaultMaxRunDuration,
		MaxLookupFailures: core.DefaultMaxLookupFailures,
		TriggerRate:       1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = d.SpawnTimeout
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.MaxLookupFailures <= 0 {
		c.MaxLookupFailures = d.MaxLookupFailures
	}
	if c.TriggerRate <= 0 {
		c.TriggerRate = d.TriggerRate
	}
	return c
}

// Deps are the collaborators of the runner. State, Sessions, Guard and
// Runners are required; the rest fall back to no-ops.
type Deps struct {
	State    *orchestration.Service
	Sessions core.SessionRunner
	Status   core.StatusSource
	Healer   *healing.Service
	Guard    *lock.SpawnGuard
	Runners  *lock.RunnerLocks
	Metrics  *metrics.Metrics
	Events   orchestration.Publisher
	Logger   *logging.Logger
	Crashes  *diagnostics.CrashDumpWriter
}

// Runner supervises one evaluation loop per active execution.
type Runner struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[core.ExecutionID]*loop
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the time source used for decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runner. Loops run until Shutdown is called.
func New(cfg Config, deps Deps, opts ...Option) (*Runner, error) {
	if deps.State == nil || deps.Sessions == nil || deps.Guard == nil || deps.Runners == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			"runner requires state service, session runner, spawn guard and runner locks")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[core.ExecutionID]*loop),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// loop is the in-memory handle of one running evaluation loop.
type loop struct {
	id        core.ExecutionID
	projectID string
	cancel    context.CancelFunc
	trigger   chan struct{}
	limiter   *rate.Limiter
	done      chan struct{}

	// failures counts consecutive external call failures.
	failures int
}

// StartLoop starts the evaluation loop of an execution. Starting an
// execution that already has a loop in this process is a no-op. A live
// loop owned by another process is reported as a conflict.
func (r *Runner) StartLoop(ctx context.Context, id core.ExecutionID) error {
	exec, err := r.deps.State.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec == nil {
		return core.ErrNotFound("execution", string(id))
	}
	if exec.Status.IsTerminal() {
		return core.ErrState(core.CodeInvalidState, "execution "+string(exec.Status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return core.ErrState(core.CodeInvalidState, "runner is shut down")
	}
	if _, ok := r.loops[id]; ok {
		return nil
	}

	rec, err := r.deps.Runners.Get(exec.ProjectID)
	if err != nil {
		return err
	}
	if rec != nil && !rec.Owned() && rec.Alive() {
		return core.ErrConflict(core.CodeAlreadyInProgress,
			"execution "+string(rec.ExecutionID)+" is driven by another process")
	}
	if _, err := r.deps.Runners.Write(exec.ProjectID, id); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(r.ctx)
	l := &loop{
		id:        id,
		projectID: exec.ProjectID,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
		limiter:   rate.NewLimiter(rate.Limit(r.cfg.TriggerRate), 1),
		done:      make(chan struct{}),
	}
	r.loops[id] = l
	r.deps.Metrics.LoopStarted()

	r.wg.Add(1)
	go r.run(loopCtx, l)
	return nil
}

// StopLoop stops the loop of an execution and waits for it to exit.
func (r *Runner) StopLoop(id core.ExecutionID) {
	r.mu.Lock()
	l, ok := r.loops[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
}

// Trigger requests an immediate evaluation. Requests above the configured
// rate are dropped; the next poll picks the change up.
func (r *Runner) Trigger(id core.ExecutionID) bool {
	r.mu.Lock()
	l, ok := r.loops[id]
	r.mu.Unlock()
	if !ok || !l.limiter.Allow() {
		return false
	}
	select {
	case l.trigger <- struct{}{}:
	default:
	}
	return true
}

// TriggerProject triggers the loop of the project's execution, if any.
func (r *Runner) TriggerProject(projectID string) bool {
	r.mu.Lock()
	var id core.ExecutionID
	for _, l := range r.loops {
		if l.projectID == projectID {
			id = l.id
			break
		}
	}
	r.mu.Unlock()
	if id == "" {
		return false
	}
	return r.Trigger(id)
}

// Running reports whether an execution has a loop in this process.
func (r *Runner) Running(id core.ExecutionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[id]
	return ok
}

// Active returns the executions with a loop in this process.
func (r *Runner) Active() []core.ExecutionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]core.ExecutionID, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until the loop of id exits or ctx is done.
func (r *Runner) Wait(ctx context.Context, id core.ExecutionID) error {
	r.mu.Lock()
	l, ok := r.loops[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every loop and waits for them to exit.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) logger(l *loop) *logging.Logger {
	return r.deps.Logger.WithExecution(string(l.id)).WithProject(l.projectID)
}

func (r *Runner) publish(e events.Event) {
	if r.deps.Events != nil {
		r.deps.Events.Publish(e)
	}
}
