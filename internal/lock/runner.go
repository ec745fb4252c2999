package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// RunnerRecord marks a project as driven by a runner loop in some process.
type RunnerRecord struct {
	ProjectID   string           `json:"projectId"`
	ExecutionID core.ExecutionID `json:"executionId"`
	PID         int              `json:"pid"`
	Hostname    string           `json:"hostname"`
	StartedAt   time.Time        `json:"startedAt"`
}

// Owned reports whether the record was written by the current process.
func (r RunnerRecord) Owned() bool {
	return r.PID == os.Getpid() && r.Hostname == hostname()
}

// Alive reports whether the process behind the record still runs.
// Records from other hosts cannot be checked and count as alive.
func (r RunnerRecord) Alive() bool {
	if r.Hostname != "" && r.Hostname != hostname() {
		return true
	}
	return ProcessAlive(r.PID, r.StartedAt)
}

// RunnerLocks stores runner records as <dir>/<projectId>.json.
type RunnerLocks struct {
	dir string
}

// NewRunnerLocks creates a record store under dir.
func NewRunnerLocks(dir string) *RunnerLocks {
	return &RunnerLocks{dir: dir}
}

func (l *RunnerLocks) path(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", core.ErrValidation(core.CodeInvalidState, fmt.Sprintf("invalid project id %q", projectID))
	}
	return filepath.Join(l.dir, projectID+".json"), nil
}

// Write records that this process drives execution id of project.
func (l *RunnerLocks) Write(projectID string, id core.ExecutionID) (RunnerRecord, error) {
	rec := RunnerRecord{
		ProjectID:   projectID,
		ExecutionID: id,
		PID:         os.Getpid(),
		Hostname:    hostname(),
		StartedAt:   time.Now(),
	}
	path, err := l.path(projectID)
	if err != nil {
		return rec, err
	}
	return rec, fsutil.WriteJSON(path, rec)
}

// Get returns the record of a project, or nil.
func (l *RunnerLocks) Get(projectID string) (*RunnerRecord, error) {
	path, err := l.path(projectID)
	if err != nil {
		return nil, err
	}
	var rec RunnerRecord
	found, err := fsutil.ReadJSON(path, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// Remove deletes the record of a project.
func (l *RunnerLocks) Remove(projectID string) error {
	path, err := l.path(projectID)
	if err != nil {
		return err
	}
	return fsutil.RemoveIfExists(path)
}

// List returns all records sorted by project. Unreadable records are returned
// with only ProjectID set so callers can clear them.
func (l *RunnerLocks) List() ([]RunnerRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing runner records: %w", err)
	}

	var out []RunnerRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		projectID := strings.TrimSuffix(entry.Name(), ".json")
		var rec RunnerRecord
		if _, err := fsutil.ReadJSON(filepath.Join(l.dir, entry.Name()), &rec); err != nil {
			rec = RunnerRecord{}
		}
		rec.ProjectID = projectID
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}
