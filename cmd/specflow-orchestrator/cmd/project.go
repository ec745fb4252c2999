package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/project"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
	Long: `Manage the projects the orchestrator can run features in.

Use 'specflow-orchestrator project add' to register a repository, or
'specflow-orchestrator project list' to see all registered projects.`,
}

var addProjectCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Register a new project",
	Long: `Register a directory as a project.

If no path is specified, the current directory is used. Directories without
spec artifacts yet are registered as degraded.

Examples:
  specflow-orchestrator project add
  specflow-orchestrator project add /path/to/repo --name api --default`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAddProject,
}

var listProjectsCmd = &cobra.Command{
	Use:     "list",
	Short:   "List registered projects",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE:    runListProjects,
}

var removeProjectCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a project",
	Long: `Remove a project from the registry.

This does not delete any files or executions.`,
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE:    runRemoveProject,
}

var setDefaultCmd = &cobra.Command{
	Use:   "default <id>",
	Short: "Set the default project",
	Long: `Set a project as the default.

The default project is used when no --project flag is specified
and the current directory is not a registered project.`,
	Args: cobra.ExactArgs(1),
	RunE: runSetDefault,
}

var validateProjectCmd = &cobra.Command{
	Use:   "validate [id]",
	Short: "Validate project accessibility",
	Long: `Re-check that a project directory is accessible and refresh its status.

If no ID is specified, validates all projects.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidateProject,
}

var (
	addProjectName    string
	addProjectDefault bool
	listProjectsJSON  bool
)

func init() {
	rootCmd.AddCommand(projectCmd)

	projectCmd.AddCommand(addProjectCmd)
	projectCmd.AddCommand(listProjectsCmd)
	projectCmd.AddCommand(removeProjectCmd)
	projectCmd.AddCommand(setDefaultCmd)
	projectCmd.AddCommand(validateProjectCmd)

	addProjectCmd.Flags().StringVar(&addProjectName, "name", "", "Custom name for the project")
	addProjectCmd.Flags().BoolVar(&addProjectDefault, "default", false, "Set as default project")
	listProjectsCmd.Flags().BoolVar(&listProjectsJSON, "json", false, "Output as JSON")
}

func runAddProject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	registry, err := openRegistry(newLogger())
	if err != nil {
		return err
	}
	defer registry.Close()

	p, err := registry.AddProject(ctx, absPath, &project.AddProjectOptions{Name: addProjectName})
	if err != nil {
		switch project.Category(err) {
		case core.ErrCatConflict:
			return core.ErrConflict("PROJECT_EXISTS", fmt.Sprintf("project already registered at %s", absPath)).WithCause(err)
		case core.ErrCatValidation:
			return core.ErrValidation(core.CodeInvalidConfig, err.Error())
		}
		return fmt.Errorf("adding project: %w", err)
	}

	if addProjectDefault {
		if err := registry.SetDefaultProject(ctx, p.ID); err != nil {
			return fmt.Errorf("setting as default: %w", err)
		}
	}

	if quiet {
		fmt.Println(p.ID)
		return nil
	}

	fmt.Printf("Project registered successfully!\n\n")
	fmt.Printf("  ID:     %s\n", p.ID)
	fmt.Printf("  Name:   %s\n", p.Name)
	fmt.Printf("  Path:   %s\n", p.Path)
	fmt.Printf("  Status: %s\n", p.Status)
	if addProjectDefault {
		fmt.Printf("  Default: yes\n")
	}
	fmt.Printf("\nUse 'specflow-orchestrator --project %s start' to run a feature.\n", p.ID)
	return nil
}

func runListProjects(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	registry, err := openRegistry(newLogger())
	if err != nil {
		return err
	}
	defer registry.Close()

	projects, err := registry.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	if listProjectsJSON {
		if projects == nil {
			projects = []*project.Project{}
		}
		return outputJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered.")
		fmt.Println("\nRegister a project with: specflow-orchestrator project add .")
		return nil
	}

	defaultID := ""
	if p, _ := registry.GetDefaultProject(ctx); p != nil {
		defaultID = p.ID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH\tSTATUS\tDEFAULT")
	fmt.Fprintln(w, "──\t────\t────\t──────\t───────")
	for _, p := range projects {
		isDefault := ""
		if p.ID == defaultID {
			isDefault = "*"
		}
		status := string(p.Status)
		if p.StatusMessage != "" {
			status = fmt.Sprintf("%s (%s)", p.Status, p.StatusMessage)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Path, status, isDefault)
	}
	return w.Flush()
}

func runRemoveProject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	registry, err := openRegistry(newLogger())
	if err != nil {
		return err
	}
	defer registry.Close()

	id := args[0]
	p, _ := registry.GetProject(ctx, id)

	if err := registry.RemoveProject(ctx, id); err != nil {
		if project.Category(err) == core.ErrCatNotFound {
			return core.ErrNotFound("project", id)
		}
		return fmt.Errorf("removing project: %w", err)
	}

	if quiet {
		return nil
	}
	if p != nil {
		fmt.Printf("Project '%s' (%s) removed from registry.\n", p.Name, p.Path)
	} else {
		fmt.Printf("Project %s removed from registry.\n", id)
	}
	fmt.Println("(No files were deleted)")
	return nil
}

func runSetDefault(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	registry, err := openRegistry(newLogger())
	if err != nil {
		return err
	}
	defer registry.Close()

	p, err := resolveProject(ctx, registry, args[0])
	if err != nil {
		return err
	}
	if err := registry.SetDefaultProject(ctx, p.ID); err != nil {
		return fmt.Errorf("setting default: %w", err)
	}
	if !quiet {
		fmt.Printf("Default project set to '%s' (%s)\n", p.Name, p.Path)
	}
	return nil
}

func runValidateProject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	registry, err := openRegistry(newLogger())
	if err != nil {
		return err
	}
	defer registry.Close()

	if len(args) == 0 {
		if err := registry.ValidateAll(ctx); err != nil {
			fmt.Printf("Validation completed with warnings: %v\n", err)
		} else if !quiet {
			fmt.Println("All projects validated successfully")
		}
		return nil
	}

	if err := registry.ValidateProject(ctx, args[0]); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !quiet {
		fmt.Printf("Project %s validated successfully\n", args[0])
	}
	return nil
}
