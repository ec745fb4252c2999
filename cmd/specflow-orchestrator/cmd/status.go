package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show execution status",
	Long: `Display an execution: its step, batches, spend and latest decisions.

Without an ID the active execution of the selected project is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusJSON   bool
	statusRecent int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 5, "number of recent decisions to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cp, err := openControlPlane(nil)
	if err != nil {
		return err
	}
	defer cp.Close()

	exec, err := resolveExecution(cmd.Context(), cp, args)
	if err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(exec)
	}
	fmt.Print(newRenderer().Execution(exec, statusRecent))
	return nil
}

// newRenderer picks styled or plain output for the current terminal.
func newRenderer() *tui.Renderer {
	return tui.NewRenderer(tui.NewDetector().NoColor(noColor).Detect())
}
