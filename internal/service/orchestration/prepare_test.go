package orchestration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func TestPrepareStart_AttachesPlanFromTasksFile(t *testing.T) {
	t.Parallel()
	project := t.TempDir()
	tasks := filepath.Join(project, "specs", "001-feature", "tasks.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(tasks), 0o750))
	require.NoError(t, os.WriteFile(tasks, []byte("## Setup\n- [ ] T001 One\n## Core\n- [ ] T002 Two\n"), 0o600))

	req, err := PrepareStart("proj", project, core.DefaultOrchestrationConfig())
	require.NoError(t, err)
	assert.Equal(t, "proj", req.ProjectID)
	assert.Equal(t, project, req.ProjectPath)
	assert.Equal(t, tasks, req.TasksPath)
	require.NotNil(t, req.Plan)
	assert.Len(t, req.Plan.Batches, 2)
}

func TestPrepareStart_WithoutTasksFile(t *testing.T) {
	t.Parallel()
	project := t.TempDir()

	req, err := PrepareStart("proj", project, core.DefaultOrchestrationConfig())
	require.NoError(t, err)
	assert.Empty(t, req.TasksPath)
	assert.Nil(t, req.Plan)
}

func TestPrepareStart_MissingDirectory(t *testing.T) {
	t.Parallel()
	_, err := PrepareStart("proj", filepath.Join(t.TempDir(), "gone"), core.DefaultOrchestrationConfig())
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}
