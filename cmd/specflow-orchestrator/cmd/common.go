package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/adapters/cli"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/metrics"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/project"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/healing"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/runner"
)

// newLogger builds the process logger from the loaded configuration.
func newLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	if appConfig != nil {
		cfg.Level = appConfig.Log.Level
		cfg.Format = appConfig.Log.Format
	}
	return logging.New(cfg)
}

// openStore opens the configured execution store.
func openStore() (core.ExecutionStore, string, error) {
	dir, err := appConfig.State.StateDir()
	if err != nil {
		return nil, "", err
	}
	store, err := state.NewExecutionStore(appConfig.State.Backend, dir)
	if err != nil {
		return nil, "", fmt.Errorf("opening state store: %w", err)
	}
	return store, dir, nil
}

// openRegistry opens the project registry.
func openRegistry(logger *logging.Logger) (*project.FileRegistry, error) {
	opts := []project.RegistryOption{}
	if appConfig != nil && appConfig.Registry.Path != "" {
		path, err := expandPath(appConfig.Registry.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, project.WithConfigPath(path))
	}
	if logger != nil {
		opts = append(opts, project.WithLogger(logger.Logger))
	}
	registry, err := project.NewFileRegistry(opts...)
	if err != nil {
		return nil, fmt.Errorf("opening project registry: %w", err)
	}
	return registry, nil
}

// controlPlane is the state store and service used by the one-shot commands.
type controlPlane struct {
	logger *logging.Logger
	store  core.ExecutionStore
	state  *orchestration.Service
	dir    string
}

func openControlPlane(publisher orchestration.Publisher) (*controlPlane, error) {
	logger := newLogger()
	store, dir, err := openStore()
	if err != nil {
		return nil, err
	}
	opts := []orchestration.Option{orchestration.WithLogger(logger)}
	if publisher != nil {
		opts = append(opts, orchestration.WithPublisher(publisher))
	}
	return &controlPlane{
		logger: logger,
		store:  store,
		state:  orchestration.NewService(store, opts...),
		dir:    dir,
	}, nil
}

func (c *controlPlane) Close() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing state store failed", "error", err)
	}
}

// engine is a control plane plus everything needed to drive loops.
type engine struct {
	*controlPlane
	bus      *events.EventBus
	metrics  *metrics.Metrics
	sessions *cli.ClaudeRunner
	runner   *runner.Runner
}

// newEngine wires the runner and its collaborators. A nil reg keeps the
// collectors unregistered.
func newEngine(reg prometheus.Registerer) (*engine, error) {
	bus := events.New(256)
	cp, err := openControlPlane(bus)
	if err != nil {
		bus.Close()
		return nil, err
	}
	cfg := appConfig

	sessionsDir, err := cfg.State.SessionsDir()
	if err != nil {
		cp.Close()
		bus.Close()
		return nil, err
	}
	sessions, err := cli.NewClaudeRunner(cli.ClaudeConfig{
		Path:            cfg.Agent.Path,
		Model:           cfg.Agent.Model,
		Timeout:         cfg.Agent.Timeout,
		SessionsDir:     sessionsDir,
		SkipPermissions: cfg.Agent.SkipPermissions,
	}, cp.logger)
	if err != nil {
		cp.Close()
		bus.Close()
		return nil, err
	}

	healer, err := healing.NewService(sessions,
		healing.WithLogger(cp.logger),
		healing.WithTimeout(cfg.Runner.SpawnTimeout),
	)
	if err != nil {
		cp.Close()
		bus.Close()
		return nil, err
	}

	m := metrics.New(reg)
	r, err := runner.New(runner.Config{
		PollInterval:      cfg.Runner.PollInterval,
		MaxIterations:     cfg.Runner.MaxIterations,
		SpawnTimeout:      cfg.Runner.SpawnTimeout,
		StaleThreshold:    cfg.Runner.StaleThreshold,
		MaxDuration:       cfg.Runner.MaxDuration,
		MaxLookupFailures: cfg.Runner.MaxLookupFailures,
		TriggerRate:       cfg.Runner.TriggerRate,
		Skills:            cfg.Agent.StepSkills(),
	}, runner.Deps{
		State:    cp.state,
		Sessions: sessions,
		Status:   cli.NewSpecflowStatus(cfg.Status.Path, cp.logger),
		Healer:   healer,
		Guard: lock.NewSpawnGuard(filepath.Join(cp.dir, "locks"),
			lock.WithMaxMarkerAge(cfg.Runner.SpawnTimeout+time.Minute)),
		Runners: lock.NewRunnerLocks(filepath.Join(cp.dir, "runners")),
		Metrics: m,
		Events:  bus,
		Logger:  cp.logger,
		Crashes: diagnostics.NewCrashDumpWriter(filepath.Join(cp.dir, "crashdumps"),
			diagnostics.WithLogger(cp.logger.Logger)),
	})
	if err != nil {
		cp.Close()
		bus.Close()
		return nil, err
	}

	return &engine{
		controlPlane: cp,
		bus:          bus,
		metrics:      m,
		sessions:     sessions,
		runner:       r,
	}, nil
}

func (e *engine) Close() {
	e.runner.Shutdown()
	e.bus.Close()
	e.controlPlane.Close()
}

// resolveProject finds the project named by --project, the current
// directory, or the default project, in that order.
func resolveProject(ctx context.Context, registry *project.FileRegistry, value string) (*project.Project, error) {
	if value != "" {
		if p, err := registry.GetProject(ctx, value); err == nil {
			return p, nil
		}
		if abs, err := filepath.Abs(value); err == nil {
			if p, err := registry.GetProjectByPath(ctx, abs); err == nil {
				return p, nil
			}
		}
		path, err := registry.ResolvePath(ctx, value)
		if err != nil {
			return nil, err
		}
		return registry.GetProjectByPath(ctx, path)
	}

	if cwd, err := os.Getwd(); err == nil {
		if p, err := registry.GetProjectByPath(ctx, cwd); err == nil && p != nil {
			return p, nil
		}
	}
	p, err := registry.GetDefaultProject(ctx)
	if err != nil || p == nil {
		return nil, fmt.Errorf("no project selected: use --project, run inside a registered project, " +
			"or register one with 'specflow-orchestrator project add'")
	}
	return p, nil
}

// resolveExecution returns the execution named by args[0], or the active
// execution of the selected project.
func resolveExecution(ctx context.Context, cp *controlPlane, args []string) (*core.OrchestrationExecution, error) {
	if len(args) > 0 && args[0] != "" {
		exec, err := cp.state.Get(ctx, core.ExecutionID(args[0]))
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, core.ErrNotFound("execution", args[0])
		}
		return exec, nil
	}

	registry, err := openRegistry(cp.logger)
	if err != nil {
		return nil, err
	}
	defer registry.Close()

	p, err := resolveProject(ctx, registry, projectID)
	if err != nil {
		return nil, err
	}
	exec, err := cp.state.GetActive(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, core.ErrNotFound("active execution", p.ID)
	}
	return exec, nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expandPath(path string) (string, error) {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
