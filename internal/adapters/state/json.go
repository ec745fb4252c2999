package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
)

const (
	executionsDir = "executions"
	activeDir     = "active"
	locksDir      = "project-locks"
)

// JSONStore implements core.ExecutionStore with one JSON file per execution
// and one small active-pointer file per project.
type JSONStore struct {
	dir   string
	mu    sync.RWMutex
	locks *lock.ProjectLocks
}

// NewJSONStore creates a JSON store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	for _, sub := range []string{executionsDir, activeDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	return &JSONStore{dir: dir, locks: lock.NewProjectLocks(filepath.Join(dir, locksDir))}, nil
}

// Dir returns the root directory of the store.
func (s *JSONStore) Dir() string {
	return s.dir
}

func (s *JSONStore) executionPath(id core.ExecutionID) (string, error) {
	name, err := safeName(string(id))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, executionsDir, name+".json"), nil
}

func (s *JSONStore) activePath(projectID string) (string, error) {
	name, err := safeName(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, activeDir, name+".json"), nil
}

// safeName rejects identifiers that would escape the store directory.
func safeName(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", core.ErrValidation(core.CodeInvalidState, fmt.Sprintf("invalid identifier %q", id))
	}
	return id, nil
}

// Save persists the execution atomically.
func (s *JSONStore) Save(_ context.Context, exec *core.OrchestrationExecution) error {
	if err := validateForSave(exec); err != nil {
		return err
	}
	path, err := s.executionPath(exec.ID)
	if err != nil {
		return err
	}

	sum, _, err := checksum(exec)
	if err != nil {
		return err
	}
	envelope := recordEnvelope{
		Version:   envelopeVersion,
		Checksum:  sum,
		UpdatedAt: time.Now(),
		Execution: exec,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteJSON(path, envelope)
}

// Load retrieves an execution. Returns nil and no error when it does not exist.
func (s *JSONStore) Load(_ context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	path, err := s.executionPath(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEnvelope(path)
}

func loadEnvelope(path string) (*core.OrchestrationExecution, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading execution: %w", err)
	}

	var envelope struct {
		Version   int             `json:"version"`
		Checksum  string          `json:"checksum"`
		Execution json.RawMessage `json:"execution"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unparseable execution file").
			WithCause(err).
			WithDetail("path", path)
	}
	if len(envelope.Execution) == 0 || string(envelope.Execution) == "null" {
		return nil, core.ErrState(core.CodeStateCorrupted, "execution file has no record").
			WithDetail("path", path)
	}
	return decodeRecord(envelope.Execution, envelope.Checksum)
}

// List returns executions newest first. Corrupted files are skipped.
func (s *JSONStore) List(_ context.Context, projectID string) ([]*core.OrchestrationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, executionsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	var out []*core.OrchestrationExecution
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		exec, err := loadEnvelope(filepath.Join(s.dir, executionsDir, entry.Name()))
		if err != nil || exec == nil {
			continue
		}
		if projectID != "" && exec.ProjectID != projectID {
			continue
		}
		out = append(out, exec)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(execs []*core.OrchestrationExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if !execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].StartedAt.After(execs[j].StartedAt)
		}
		return execs[i].ID > execs[j].ID
	})
}

// ActiveExecutionID returns the project's active execution, or empty.
// A malformed pointer file is reported as no active execution.
func (s *JSONStore) ActiveExecutionID(_ context.Context, projectID string) (core.ExecutionID, error) {
	path, err := s.activePath(projectID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ptr activePointer
	found, err := fsutil.ReadJSON(path, &ptr)
	if err != nil || !found {
		return "", nil
	}
	return ptr.ExecutionID, nil
}

// SetActive claims id as the active execution of the project.
func (s *JSONStore) SetActive(_ context.Context, projectID string, id core.ExecutionID) error {
	path, err := s.activePath(projectID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteJSON(path, activePointer{ExecutionID: id, UpdatedAt: time.Now()})
}

// ClearActive removes the active pointer of the project.
func (s *JSONStore) ClearActive(_ context.Context, projectID string) error {
	path, err := s.activePath(projectID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.RemoveIfExists(path)
}

// ListActive returns every project with an active pointer.
func (s *JSONStore) ListActive(_ context.Context) (map[string]core.ExecutionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.dir, activeDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]core.ExecutionID{}, nil
		}
		return nil, fmt.Errorf("listing active pointers: %w", err)
	}

	out := make(map[string]core.ExecutionID, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var ptr activePointer
		found, err := fsutil.ReadJSON(filepath.Join(dir, entry.Name()), &ptr)
		if err != nil || !found || ptr.ExecutionID == "" {
			continue
		}
		out[strings.TrimSuffix(entry.Name(), ".json")] = ptr.ExecutionID
	}
	return out, nil
}

// LockProject takes the project's lock file under the store directory.
func (s *JSONStore) LockProject(ctx context.Context, projectID string) (func(), error) {
	return s.locks.Acquire(ctx, projectID)
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}

var _ core.ExecutionStore = (*JSONStore)(nil)
