package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [execution-id]",
	Short: "Show the decision log of an execution",
	Long: `Print every decision the state machine recorded for an execution,
oldest first. Without an ID the active execution of the selected project is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

var (
	logJSON bool
	logTail int
)

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Output as JSON")
	logCmd.Flags().IntVarP(&logTail, "tail", "n", 0, "show only the last N entries")
}

func runLog(cmd *cobra.Command, args []string) error {
	cp, err := openControlPlane(nil)
	if err != nil {
		return err
	}
	defer cp.Close()

	exec, err := resolveExecution(cmd.Context(), cp, args)
	if err != nil {
		return err
	}

	entries := exec.DecisionLog
	if logTail > 0 && len(entries) > logTail {
		entries = entries[len(entries)-logTail:]
	}
	if logJSON {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No decisions recorded.")
		return nil
	}
	fmt.Print(newRenderer().Decisions(entries))
	return nil
}
