package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the implement batches of a tasks file",
	Long: `Parse a tasks file and print the batches the implement step would run.

Without --file the most recently modified specs/**/tasks.md of the
selected project is used. Nothing is recorded.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

var (
	planFile     string
	planJSON     bool
	planFallback int
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVar(&planFile, "file", "", "tasks file to plan")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	planCmd.Flags().IntVar(&planFallback, "batch-size", 0, "tasks per batch for lists without sections (default from config)")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	path := planFile
	if path == "" {
		registry, err := openRegistry(newLogger())
		if err != nil {
			return err
		}
		defer registry.Close()

		p, err := resolveProject(cmd.Context(), registry, projectID)
		if err != nil {
			return err
		}
		path, err = planner.FindTasksFile(p.Path)
		if err != nil {
			return err
		}
	}

	size := planFallback
	if size <= 0 {
		size = appConfig.Orchestration.BatchSizeFallback
	}
	plan, err := planner.PlanFile(path, size)
	if err != nil {
		return err
	}

	if planJSON {
		return outputJSON(plan)
	}
	fmt.Print(newRenderer().Plan(path, plan))
	return nil
}
