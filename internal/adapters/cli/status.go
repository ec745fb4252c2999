package cli

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

// statusTimeout bounds one status query.
const statusTimeout = 30 * time.Second

// SpecflowStatus reads project status from the specflow CLI. Without the
// CLI installed, status is derived from the project's files.
type SpecflowStatus struct {
	*BaseAdapter
}

var _ core.StatusSource = (*SpecflowStatus)(nil)

// NewSpecflowStatus creates a status source for the CLI at path.
func NewSpecflowStatus(path string, logger *logging.Logger) *SpecflowStatus {
	if path == "" {
		path = "specflow"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SpecflowStatus{
		BaseAdapter: NewBaseAdapter(AgentConfig{Name: "specflow", Path: path, Timeout: statusTimeout},
			logger.With("adapter", "specflow")),
	}
}

// Status runs `specflow status --json` in the project directory.
func (s *SpecflowStatus) Status(ctx context.Context, projectPath string) (*core.ProjectStatus, error) {
	if err := s.CheckAvailability(ctx); err != nil {
		return LocalStatus(projectPath)
	}

	result, err := s.ExecuteCommand(ctx, []string{"status", "--json"}, "", projectPath, 0)
	if err != nil {
		return nil, err
	}
	var st core.ProjectStatus
	if err := s.ParseJSON(result.Stdout, &st); err != nil {
		return nil, core.ErrExecution(core.CodeStatusLookup, "unparseable specflow status output").WithCause(err)
	}
	return &st, nil
}

// LocalStatus derives project status from the artifacts on disk: the
// feature directory of the newest tasks file, or the project root.
func LocalStatus(projectPath string) (*core.ProjectStatus, error) {
	if _, err := os.Stat(projectPath); err != nil {
		return nil, core.ErrNotFound("project", projectPath)
	}

	st := &core.ProjectStatus{}
	fsys := os.DirFS(projectPath)
	st.HasSpec = anyMatch(fsys, "specs/**/spec.md", "spec.md")
	st.HasPlan = anyMatch(fsys, "specs/**/plan.md", "plan.md")

	if tasksPath, err := planner.FindTasksFile(projectPath); err == nil {
		st.HasTasks = true
		data, err := os.ReadFile(tasksPath) // #nosec G304 -- path found inside the project
		if err != nil {
			return nil, err
		}
		st.TasksTotal, st.TasksComplete = planner.Progress(string(data))

		dir := filepath.Dir(tasksPath)
		st.HasSpec = st.HasSpec || fileExists(filepath.Join(dir, "spec.md"))
		st.HasPlan = st.HasPlan || fileExists(filepath.Join(dir, "plan.md"))
	}

	switch {
	case !st.HasSpec:
		st.Phase = string(core.StepDesign)
	case !st.HasPlan || !st.HasTasks:
		st.Phase = string(core.StepAnalyze)
	case st.TasksComplete < st.TasksTotal:
		st.Phase = string(core.StepImplement)
	default:
		st.Phase = string(core.StepVerify)
	}
	return st, nil
}

func anyMatch(fsys fs.FS, patterns ...string) bool {
	for _, p := range patterns {
		if matches, err := doublestar.Glob(fsys, p); err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
