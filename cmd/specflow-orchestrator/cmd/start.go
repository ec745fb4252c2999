package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an orchestration for a project",
	Long: `Start a new orchestration for the selected project.

The feature's tasks file is planned into batches up front when it already
exists. Without --follow the execution is recorded and a running 'serve'
daemon picks it up on its next reconciliation. With --follow the loop runs
in this process and decisions are printed until the execution stops.

Examples:
  specflow-orchestrator start --follow
  specflow-orchestrator start -p my-app --skip design --skip analyze
  specflow-orchestrator start --auto-merge --pause-between-batches`,
	RunE: runStart,
}

var (
	startAutoMerge  bool
	startNoHeal     bool
	startPause      bool
	startSkip       []string
	startMaxHeal    int
	startFollow     bool
	startOutputJSON bool
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().BoolVar(&startAutoMerge, "auto-merge", false, "merge without waiting for confirmation")
	startCmd.Flags().BoolVar(&startNoHeal, "no-heal", false, "disable auto-healing of failed batches")
	startCmd.Flags().BoolVar(&startPause, "pause-between-batches", false, "pause after every implement batch")
	startCmd.Flags().StringSliceVar(&startSkip, "skip", nil, "steps to skip (design, analyze, implement, verify)")
	startCmd.Flags().IntVar(&startMaxHeal, "max-heal-attempts", -1, "heal attempts per batch (default from config)")
	startCmd.Flags().BoolVarP(&startFollow, "follow", "f", false, "drive the execution in this process and stream decisions")
	startCmd.Flags().BoolVar(&startOutputJSON, "json", false, "print the created execution as JSON")
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := startConfig(cmd)
	if err != nil {
		return err
	}

	var eng *engine
	var cp *controlPlane
	if startFollow {
		eng, err = newEngine(nil)
		if err != nil {
			return err
		}
		defer eng.Close()
		cp = eng.controlPlane
	} else {
		cp, err = openControlPlane(nil)
		if err != nil {
			return err
		}
		defer cp.Close()
	}

	registry, err := openRegistry(cp.logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	p, err := resolveProject(ctx, registry, projectID)
	if err != nil {
		return err
	}
	_ = registry.TouchProject(ctx, p.ID)

	req, err := orchestration.PrepareStart(p.ID, p.Path, cfg)
	if err != nil {
		return err
	}
	exec, err := cp.state.Start(ctx, req)
	if err != nil {
		return err
	}

	if startOutputJSON {
		if err := outputJSON(exec); err != nil {
			return err
		}
	} else if !quiet {
		fmt.Printf("Started execution %s for %s (%s)\n", exec.ID, p.Name, p.Path)
		fmt.Printf("  first step: %s\n", exec.Step.Current)
		if req.Plan != nil {
			fmt.Printf("  planned batches: %d (%d open tasks)\n", len(req.Plan.Batches), req.Plan.TotalIncomplete)
		}
	}

	if !startFollow {
		return nil
	}
	return follow(ctx, eng, exec.ID)
}

// startConfig applies command line overrides to the configured defaults.
func startConfig(cmd *cobra.Command) (core.OrchestrationConfig, error) {
	cfg := appConfig.Orchestration.Core()
	if cmd.Flags().Changed("auto-merge") {
		cfg.AutoMerge = startAutoMerge
	}
	if startNoHeal {
		cfg.AutoHealEnabled = false
	}
	if cmd.Flags().Changed("pause-between-batches") {
		cfg.PauseBetweenBatches = startPause
	}
	if startMaxHeal >= 0 {
		cfg.MaxHealAttempts = startMaxHeal
	}
	if len(startSkip) > 0 {
		cfg.SkipSteps = nil
		for _, s := range startSkip {
			step, err := core.ParseStep(s)
			if err != nil {
				return cfg, err
			}
			cfg.SkipSteps = append(cfg.SkipSteps, step)
		}
	}
	return cfg, nil
}

// follow runs the loop of id in this process and prints its decisions
// until the loop exits or the user interrupts.
func follow(parent context.Context, eng *engine, id core.ExecutionID) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	decisions := eng.bus.Subscribe(events.TypeDecisionMade, events.TypeExecutionFinished)
	defer eng.bus.Unsubscribe(decisions)

	if err := eng.runner.StartLoop(ctx, id); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- eng.runner.Wait(ctx, id) }()

	for {
		select {
		case err := <-done:
			drain(decisions)
			return reportOutcome(parent, eng.controlPlane, id, err)
		case ev, ok := <-decisions:
			if !ok {
				decisions = nil
				continue
			}
			printEvent(ev)
		}
	}
}

func drain(ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			printEvent(ev)
		default:
			return
		}
	}
}

func printEvent(ev events.Event) {
	if quiet {
		return
	}
	switch e := ev.(type) {
	case events.DecisionMadeEvent:
		where := e.Step
		if e.Batch >= 0 && e.Step == string(core.StepImplement) {
			where = fmt.Sprintf("%s batch %d", e.Step, e.Batch+1)
		}
		fmt.Printf("%s  %-14s %-20s %s\n", e.Timestamp().Format("15:04:05"), e.Action, where, e.Reason)
	case events.ExecutionFinishedEvent:
		fmt.Printf("%s  execution %s (cost $%.2f)\n", e.Timestamp().Format("15:04:05"), e.Status, e.TotalCostUsd)
	}
}

func reportOutcome(ctx context.Context, cp *controlPlane, id core.ExecutionID, waitErr error) error {
	exec, err := cp.state.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	if exec == nil {
		return waitErr
	}
	if quiet {
		return nil
	}
	fmt.Printf("\nExecution %s is %s\n", exec.ID, exec.Status)
	switch exec.Status {
	case core.StatusNeedsAttention:
		if exec.RecoveryContext != nil {
			fmt.Printf("  issue: %s\n", exec.RecoveryContext.Issue)
		}
		fmt.Printf("  run 'specflow-orchestrator recover %s --option retry|abort'\n", exec.ID)
	case core.StatusWaitingMerge:
		fmt.Printf("  run 'specflow-orchestrator merge %s' to finish\n", exec.ID)
	case core.StatusFailed:
		return fmt.Errorf("execution failed: %s", exec.ErrorMessage)
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
