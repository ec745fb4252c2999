// Package watcher watches project tasks files and wakes the runner loop of
// the owning project when one changes, instead of waiting for the next poll.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
)

// TasksFileName is the file whose changes trigger an evaluation.
const TasksFileName = "tasks.md"

// DefaultDebounce coalesces bursts of writes from editors and agents.
const DefaultDebounce = 500 * time.Millisecond

// Trigger wakes the runner loop of a project. It reports whether a loop
// was running. *runner.Runner satisfies it.
type Trigger interface {
	TriggerProject(projectID string) bool
}

// Publisher receives TasksChanged events. *events.EventBus satisfies it.
type Publisher interface {
	Publish(event events.Event)
}

// Config configures the watcher.
type Config struct {
	Trigger   Trigger
	Publisher Publisher
	Logger    *slog.Logger
	Debounce  time.Duration
}

// Watcher monitors the tasks files of registered projects.
type Watcher struct {
	trigger   Trigger
	publisher Publisher
	logger    *slog.Logger
	debounce  time.Duration

	fsWatcher *fsnotify.Watcher

	mu       sync.Mutex
	projects map[string]string // projectID -> root
	pending  map[string]map[string]struct{}
	timer    *time.Timer
	stopped  bool
}

// New creates a watcher. Call Run to start processing events.
func New(cfg Config) (*Watcher, error) {
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		trigger:   cfg.Trigger,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		debounce:  cfg.Debounce,
		fsWatcher: fsWatcher,
		projects:  make(map[string]string),
		pending:   make(map[string]map[string]struct{}),
	}, nil
}

// AddProject starts watching a project root and its specs tree.
// Adding a watched project again is a no-op.
func (w *Watcher) AddProject(projectID, root string) error {
	root = filepath.Clean(root)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("watcher stopped")
	}
	if existing, ok := w.projects[projectID]; ok && existing == root {
		return nil
	}

	if err := w.fsWatcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	specs := filepath.Join(root, "specs")
	if info, err := os.Stat(specs); err == nil && info.IsDir() {
		if err := w.addRecursive(specs); err != nil {
			w.logger.Warn("watching specs tree failed", "project_id", projectID, "error", err)
		}
	}

	w.projects[projectID] = root
	w.logger.Debug("watching project", "project_id", projectID, "root", root)
	return nil
}

// RemoveProject stops watching a project.
func (w *Watcher) RemoveProject(projectID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root, ok := w.projects[projectID]
	if !ok {
		return
	}
	delete(w.projects, projectID)
	delete(w.pending, projectID)

	for _, path := range w.fsWatcher.WatchList() {
		if within(root, path) {
			_ = w.fsWatcher.Remove(path)
		}
	}
}

// Projects returns the IDs of watched projects.
func (w *Watcher) Projects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.projects))
	for id := range w.projects {
		ids = append(ids, id)
	}
	return ids
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("tasks watcher started")
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("tasks watcher stopping")
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop releases the underlying watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.fsWatcher.Close(); err != nil {
		w.logger.Warn("closing fsnotify watcher failed", "error", err)
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	projectID := w.ownerLocked(event.Name)
	if projectID == "" {
		return
	}

	// New feature directories under specs/ need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Debug("watching new directory failed", "path", event.Name, "error", err)
			}
			return
		}
	}

	if filepath.Base(event.Name) != TasksFileName {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	if w.pending[projectID] == nil {
		w.pending[projectID] = make(map[string]struct{})
	}
	w.pending[projectID][event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush publishes the debounced changes and wakes the affected loops.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	pending := w.pending
	w.pending = make(map[string]map[string]struct{})
	w.mu.Unlock()

	for projectID, files := range pending {
		for path := range files {
			if w.publisher != nil {
				w.publisher.Publish(events.NewTasksChangedEvent(projectID, path))
			}
		}
		triggered := w.trigger.TriggerProject(projectID)
		w.logger.Debug("tasks file changed",
			"project_id", projectID,
			"files", len(files),
			"triggered", triggered,
		)
	}
}

// ownerLocked returns the project whose root contains path, preferring the
// deepest root when projects are nested.
func (w *Watcher) ownerLocked(path string) string {
	best, bestLen := "", -1
	for id, root := range w.projects {
		if within(root, path) && len(root) > bestLen {
			best, bestLen = id, len(root)
		}
	}
	return best
}

// addRecursive watches dir and every non-hidden directory below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
