package planner

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// TasksGlob locates feature task lists inside a project.
const TasksGlob = "specs/**/tasks.md"

// FindTasksFile returns the most recently modified tasks file of a project.
// It searches TasksGlob first and falls back to tasks.md at the project root.
func FindTasksFile(projectPath string) (string, error) {
	fsys := os.DirFS(projectPath)
	matches, err := doublestar.Glob(fsys, TasksGlob)
	if err != nil {
		return "", core.ErrValidation(core.CodeInvalidConfig, "invalid tasks glob").WithCause(err)
	}

	type candidate struct {
		path    string
		modUnix int64
	}
	var candidates []candidate
	for _, m := range matches {
		info, statErr := fs.Stat(fsys, m)
		if statErr != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, candidate{path: m, modUnix: info.ModTime().UnixNano()})
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].modUnix != candidates[j].modUnix {
				return candidates[i].modUnix > candidates[j].modUnix
			}
			return candidates[i].path < candidates[j].path
		})
		return filepath.Join(projectPath, filepath.FromSlash(candidates[0].path)), nil
	}

	root := filepath.Join(projectPath, "tasks.md")
	if _, err := os.Stat(root); err == nil {
		return root, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return "", core.ErrNotFound("tasks file", projectPath)
}

// PlanFile reads a tasks file and plans it.
func PlanFile(path string, fallbackSize int) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(string(data), fallbackSize), nil
}
