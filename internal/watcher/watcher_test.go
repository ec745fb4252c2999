package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTrigger) TriggerProject(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[projectID]++
	return true
}

func (f *fakeTrigger) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[projectID]
}

func startWatcher(t *testing.T, trigger *fakeTrigger, bus *events.EventBus) *Watcher {
	t.Helper()
	cfg := Config{Trigger: trigger, Debounce: 20 * time.Millisecond}
	if bus != nil {
		cfg.Publisher = bus
	}
	w, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNew_RequiresTrigger(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestWatcher_TasksChangeTriggersProject(t *testing.T) {
	root := t.TempDir()
	tasks := filepath.Join(root, "specs", "001-feature", "tasks.md")
	writeFile(t, tasks, "- [ ] T001 First\n")

	trigger := &fakeTrigger{}
	bus := events.New(16)
	t.Cleanup(bus.Close)
	changes := bus.Subscribe(events.TypeTasksChanged)

	w := startWatcher(t, trigger, bus)
	require.NoError(t, w.AddProject("proj-a", root))
	assert.Equal(t, []string{"proj-a"}, w.Projects())

	writeFile(t, tasks, "- [x] T001 First\n")

	require.Eventually(t, func() bool { return trigger.count("proj-a") > 0 }, 5*time.Second, 10*time.Millisecond)
	select {
	case ev := <-changes:
		assert.Equal(t, "proj-a", ev.ProjectID())
		changed, ok := ev.(events.TasksChangedEvent)
		require.True(t, ok)
		assert.Equal(t, tasks, changed.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no tasks_changed event")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks.md"), "- [ ] T001 First\n")

	trigger := &fakeTrigger{}
	w := startWatcher(t, trigger, nil)
	require.NoError(t, w.AddProject("proj-a", root))

	writeFile(t, filepath.Join(root, "notes.md"), "scratch\n")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, trigger.count("proj-a"))

	writeFile(t, filepath.Join(root, "tasks.md"), "- [x] T001 First\n")
	require.Eventually(t, func() bool { return trigger.count("proj-a") > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_NewFeatureDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs"), 0o750))

	trigger := &fakeTrigger{}
	w := startWatcher(t, trigger, nil)
	require.NoError(t, w.AddProject("proj-a", root))

	featureDir := filepath.Join(root, "specs", "002-new")
	require.NoError(t, os.MkdirAll(featureDir, 0o750))
	require.Eventually(t, func() bool {
		for _, p := range w.fsWatcher.WatchList() {
			if p == featureDir {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(featureDir, "tasks.md"), "- [ ] T001 First\n")
	require.Eventually(t, func() bool { return trigger.count("proj-a") > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_RemoveProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks.md"), "- [ ] T001 First\n")

	trigger := &fakeTrigger{}
	w := startWatcher(t, trigger, nil)
	require.NoError(t, w.AddProject("proj-a", root))
	w.RemoveProject("proj-a")
	assert.Empty(t, w.Projects())

	writeFile(t, filepath.Join(root, "tasks.md"), "- [x] T001 First\n")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, trigger.count("proj-a"))
}

func TestWatcher_NestedProjectsOwnership(t *testing.T) {
	w := &Watcher{projects: map[string]string{
		"outer": "/work",
		"inner": "/work/sub",
	}}
	assert.Equal(t, "inner", w.ownerLocked("/work/sub/tasks.md"))
	assert.Equal(t, "outer", w.ownerLocked("/work/tasks.md"))
	assert.Equal(t, "", w.ownerLocked("/elsewhere/tasks.md"))
	assert.Equal(t, "", w.ownerLocked("/work-other/tasks.md"))
}
