package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/api"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Supervise executions and expose the HTTP API",
	Long: `Start the orchestrator daemon.

The daemon restores runner loops for executions left running by a previous
process, adopts executions started from the command line, watches the tasks
files of running projects and serves the REST API, the event stream and
Prometheus metrics.

Examples:
  # Start with defaults (127.0.0.1:8787)
  specflow-orchestrator serve

  # Listen on all interfaces
  specflow-orchestrator serve --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"host address to bind to (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"port to listen on (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := newEngine(reg)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger := eng.logger

	registry, err := openRegistry(logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	if err := eng.sessions.Ping(ctx); err != nil {
		logger.Warn("agent CLI not available, spawns will fail until it is installed", "error", err)
	}

	report, err := eng.runner.Reconcile(ctx)
	if err != nil {
		logger.Warn("startup reconciliation failed", "error", err)
	} else {
		logger.Info("startup reconciliation complete",
			"restarted", report.Restarted, "cleared", report.Cleared, "skipped", report.Skipped)
	}

	w, err := watcher.New(watcher.Config{
		Trigger:   eng.runner,
		Publisher: eng.bus,
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}

	addr := appConfig.Server.Addr()
	if serveHost != "" || servePort != 0 {
		host, port := appConfig.Server.Host, appConfig.Server.Port
		if serveHost != "" {
			host = serveHost
		}
		if servePort != 0 {
			port = servePort
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}

	server := api.NewServer(eng.state,
		api.WithLogger(logger.Logger),
		api.WithLoops(eng.runner),
		api.WithProjects(registry),
		api.WithEventBus(eng.bus),
		api.WithGatherer(reg),
		api.WithDefaults(appConfig.Orchestration.Core()),
	)

	ws := &watchSync{eng: eng, watcher: w, logger: logger.Logger}
	ws.run(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", "addr", addr)
		return server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		lifecycle := eng.bus.Subscribe(events.TypeExecutionStarted, events.TypeExecutionFinished)
		defer eng.bus.Unsubscribe(lifecycle)

		ticker := time.NewTicker(appConfig.Runner.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := eng.runner.Reconcile(gctx); err != nil && gctx.Err() == nil {
					logger.Warn("periodic reconciliation failed", "error", err)
				}
				ws.run(gctx)
			case _, ok := <-lifecycle:
				if !ok {
					return nil
				}
				ws.run(gctx)
			}
		}
	})

	err = g.Wait()
	logger.Info("shutting down", "loops", len(eng.runner.Active()))
	return err
}

// watchSync keeps the watched project set equal to the projects whose
// execution has a loop in this process.
type watchSync struct {
	eng     *engine
	watcher *watcher.Watcher
	logger  *slog.Logger
}

func (s *watchSync) run(ctx context.Context) {
	want := make(map[string]string)
	for _, id := range s.eng.runner.Active() {
		exec, err := s.eng.state.Get(ctx, id)
		if err != nil || exec == nil {
			continue
		}
		if exec.Status.IsTerminal() {
			continue
		}
		want[exec.ProjectID] = exec.ProjectPath
	}

	for _, projectID := range s.watcher.Projects() {
		if _, ok := want[projectID]; !ok {
			s.watcher.RemoveProject(projectID)
		}
	}
	for projectID, path := range want {
		if err := s.watcher.AddProject(projectID, path); err != nil {
			s.logger.Warn("watching project failed", "project_id", projectID, "error", err)
		}
	}
}
