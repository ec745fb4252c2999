package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [execution-id]",
	Short: "Pause a running execution",
	Long: `Pause a running execution. The runner stops taking decisions until the
execution is resumed; a session that is already running is left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd.Context(), args, "pause", func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error) {
			return cp.state.Pause(ctx, id)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [execution-id]",
	Short: "Resume a paused execution",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd.Context(), args, "resume", func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error) {
			return cp.state.Resume(ctx, id)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel an execution",
	Long: `Cancel an execution that has not finished. The running loop notices the
cancellation on its next evaluation and stops its session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd.Context(), args, "cancel", func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error) {
			return cp.state.Cancel(ctx, id, cancelReason)
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge [execution-id]",
	Short: "Confirm the merge of an execution waiting for it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd.Context(), args, "merge", func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error) {
			return cp.state.TriggerMerge(ctx, id)
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover [execution-id]",
	Short: "Resolve an execution that needs attention",
	Long: `Apply a recovery option to an execution that needs attention.

  retry  resets the failed step or batch and resumes the run
  abort  fails the execution`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		option, err := core.ParseRecoveryOption(recoverOption)
		if err != nil {
			return err
		}
		return runControl(cmd.Context(), args, "recover", func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error) {
			return cp.state.Recover(ctx, id, option)
		})
	},
}

var (
	cancelReason  string
	recoverOption string
)

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd, mergeCmd, recoverCmd)

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded in the decision log")
	recoverCmd.Flags().StringVar(&recoverOption, "option", "", "recovery option (retry, abort)")
	_ = recoverCmd.MarkFlagRequired("option")
}

// runControl resolves the target execution and applies op to it. A nil
// result means the execution was not in a state that allows op.
func runControl(ctx context.Context, args []string, op string,
	fn func(ctx context.Context, cp *controlPlane, id core.ExecutionID) (*core.OrchestrationExecution, error)) error {
	cp, err := openControlPlane(nil)
	if err != nil {
		return err
	}
	defer cp.Close()

	exec, err := resolveExecution(ctx, cp, args)
	if err != nil {
		return err
	}
	updated, err := fn(ctx, cp, exec.ID)
	if err != nil {
		return err
	}
	if updated == nil {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("cannot %s execution %s: it is %s", op, exec.ID, exec.Status))
	}
	if !quiet {
		fmt.Printf("Execution %s is now %s\n", updated.ID, updated.Status)
	}
	return nil
}
