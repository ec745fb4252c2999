package orchestration

import (
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

// PrepareStart builds a start request for a project directory. When the
// project already has a tasks file its batch plan is attached; otherwise the
// plan is built later, when implement begins.
func PrepareStart(projectID, projectPath string, cfg core.OrchestrationConfig) (StartRequest, error) {
	req := StartRequest{
		ProjectID: projectID,
		Config:    cfg,
	}

	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return req, core.ErrValidation(core.CodeInvalidConfig, "invalid project path").WithCause(err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return req, core.ErrNotFound("project directory", abs)
	}
	req.ProjectPath = abs

	tasksPath, err := planner.FindTasksFile(abs)
	if err != nil {
		if core.IsCategory(err, core.ErrCatNotFound) {
			return req, nil
		}
		return req, err
	}
	plan, err := planner.PlanFile(tasksPath, cfg.BatchSizeFallback)
	if err != nil {
		return req, err
	}
	req.TasksPath = tasksPath
	req.Plan = plan
	return req, nil
}
