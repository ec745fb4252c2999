package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List executions",
	Long:    "List recorded executions, newest first. Use --all to include every project.",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var (
	listAll  bool
	listJSON bool
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listAll, "all", false, "list executions of every project")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cp, err := openControlPlane(nil)
	if err != nil {
		return err
	}
	defer cp.Close()

	filter := ""
	if !listAll {
		registry, err := openRegistry(cp.logger)
		if err != nil {
			return err
		}
		p, err := resolveProject(ctx, registry, projectID)
		registry.Close()
		if err != nil {
			return err
		}
		filter = p.ID
	}

	execs, err := cp.state.List(ctx, filter)
	if err != nil {
		return err
	}
	if listJSON {
		if execs == nil {
			execs = []*core.OrchestrationExecution{}
		}
		return outputJSON(execs)
	}
	fmt.Print(newRenderer().ExecutionList(execs))
	return nil
}
