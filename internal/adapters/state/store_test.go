package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func newTestExecution(id core.ExecutionID, projectID string, startedAt time.Time) *core.OrchestrationExecution {
	return &core.OrchestrationExecution{
		ID:           id,
		ProjectID:    projectID,
		ProjectPath:  "/tmp/" + projectID,
		Status:       core.StatusRunning,
		Config:       core.DefaultOrchestrationConfig(),
		CurrentPhase: core.StepImplement,
		Step:         core.NewStep(core.StepImplement),
		Batches: core.BatchTracking{Total: 1, Items: []core.BatchItem{{
			Index:        0,
			Section:      "Setup",
			TaskIDs:      []string{"T001", "T002"},
			Dependencies: map[string][]string{"T002": {"T001"}},
			Status:       core.BatchPending,
		}}},
		Executions: core.ExecutionLinks{Steps: map[core.StepName][]string{core.StepDesign: {"s1"}}},
		DecisionLog: []core.DecisionLogEntry{
			{Timestamp: startedAt, Decision: "start", Reason: "Orchestration started"},
		},
		TotalCostUsd: 1.25,
		StartedAt:    startedAt,
		UpdatedAt:    startedAt,
	}
}

func backends(t *testing.T) map[string]core.ExecutionStore {
	t.Helper()

	jsonStore, err := NewExecutionStore("json", t.TempDir())
	require.NoError(t, err)
	sqliteStore, err := NewExecutionStore("sqlite", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = jsonStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]core.ExecutionStore{"json": jsonStore, "sqlite": sqliteStore}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			exec := newTestExecution("exec-1", "proj", now)
			require.NoError(t, store.Save(ctx, exec))

			got, err := store.Load(ctx, "exec-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, exec.ID, got.ID)
			assert.Equal(t, exec.Batches, got.Batches)
			assert.Equal(t, exec.Executions, got.Executions)
			assert.Len(t, got.DecisionLog, 1)
			assert.InDelta(t, 1.25, got.TotalCostUsd, 1e-9)
			assert.True(t, now.Equal(got.StartedAt))

			exec.Status = core.StatusPaused
			require.NoError(t, store.Save(ctx, exec))
			got, err = store.Load(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusPaused, got.Status)
		})
	}
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Load(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_SaveRejectsIncompleteRecord(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Save(ctx, &core.OrchestrationExecution{ID: "x"})
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
		})
	}
}

func TestStore_ListNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, newTestExecution("a", "p1", base)))
			require.NoError(t, store.Save(ctx, newTestExecution("b", "p1", base.Add(time.Hour))))
			require.NoError(t, store.Save(ctx, newTestExecution("c", "p2", base.Add(2*time.Hour))))

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, core.ExecutionID("c"), all[0].ID)

			p1, err := store.List(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, p1, 2)
			assert.Equal(t, core.ExecutionID("b"), p1[0].ID)
			assert.Equal(t, core.ExecutionID("a"), p1[1].ID)
		})
	}
}

func TestStore_ActivePointers(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := store.ActiveExecutionID(ctx, "proj")
			require.NoError(t, err)
			assert.Empty(t, id)

			require.NoError(t, store.SetActive(ctx, "proj", "exec-1"))
			require.NoError(t, store.SetActive(ctx, "other", "exec-2"))
			require.NoError(t, store.SetActive(ctx, "proj", "exec-3"))

			id, err = store.ActiveExecutionID(ctx, "proj")
			require.NoError(t, err)
			assert.Equal(t, core.ExecutionID("exec-3"), id)

			active, err := store.ListActive(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]core.ExecutionID{"proj": "exec-3", "other": "exec-2"}, active)

			require.NoError(t, store.ClearActive(ctx, "proj"))
			require.NoError(t, store.ClearActive(ctx, "proj"))
			id, err = store.ActiveExecutionID(ctx, "proj")
			require.NoError(t, err)
			assert.Empty(t, id)
		})
	}
}

func TestStore_LockProjectSharedAcrossInstances(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			first, err := NewExecutionStore(backend, dir)
			require.NoError(t, err)
			second, err := NewExecutionStore(backend, dir)
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = first.Close()
				_ = second.Close()
			})

			unlock, err := first.LockProject(context.Background(), "proj")
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = second.LockProject(ctx, "proj")
			require.Error(t, err, "a second store on the same directory must wait")
			assert.True(t, core.IsCategory(err, core.ErrCatTimeout))

			other, err := second.LockProject(context.Background(), "elsewhere")
			require.NoError(t, err)
			other()

			unlock()
			again, err := second.LockProject(context.Background(), "proj")
			require.NoError(t, err)
			again()
		})
	}
}

func TestJSONStore_CorruptedRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, executionsDir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	got, err := store.Load(ctx, "broken")
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, core.IsCategory(err, core.ErrCatState))

	// Corrupted files do not break listing.
	require.NoError(t, store.Save(ctx, newTestExecution("ok", "proj", time.Now())))
	list, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.ExecutionID("ok"), list[0].ID)
}

func TestJSONStore_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, newTestExecution("exec", "proj", time.Now())))

	path := filepath.Join(dir, executionsDir, "exec.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"status": "running"`, `"status": "paused"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = store.Load(ctx, "exec")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestJSONStore_MalformedActivePointerMeansNoActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, activeDir, "proj.json"), []byte("nope"), 0o600))
	id, err := store.ActiveExecutionID(ctx, "proj")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestJSONStore_RejectsPathTraversal(t *testing.T) {
	t.Parallel()
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "../escape")
	require.Error(t, err)
	assert.Error(t, store.SetActive(context.Background(), "a/b", "x"))
}

func TestNewExecutionStore_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := NewExecutionStore("postgres", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state backend")

	store, err := NewExecutionStore("SQLite", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
