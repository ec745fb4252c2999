package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// SpawnMarkerExt is the extension of spawn-intent marker files.
const SpawnMarkerExt = ".spawn"

// spawnMarker is the content of a spawn-intent marker file.
type spawnMarker struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"createdAt"`
}

// SpawnGuard ensures at most one external session start per execution at a time.
// An in-memory set is the fast path within one process; an O_EXCL marker file
// under dir coordinates across processes and survives restarts.
type SpawnGuard struct {
	dir     string
	maxAge  time.Duration
	mu      sync.Mutex
	held    map[core.ExecutionID]bool
	nowFunc func() time.Time
}

// SpawnGuardOption configures a SpawnGuard.
type SpawnGuardOption func(*SpawnGuard)

// WithMaxMarkerAge sets the age after which a marker is considered abandoned.
func WithMaxMarkerAge(d time.Duration) SpawnGuardOption {
	return func(g *SpawnGuard) {
		g.maxAge = d
	}
}

// NewSpawnGuard creates a guard storing markers in dir.
func NewSpawnGuard(dir string, opts ...SpawnGuardOption) *SpawnGuard {
	g := &SpawnGuard{
		dir:     dir,
		maxAge:  core.DefaultSpawnTimeout + time.Minute,
		held:    make(map[core.ExecutionID]bool),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SpawnGuard) markerPath(id core.ExecutionID) string {
	return filepath.Join(g.dir, string(id)+SpawnMarkerExt)
}

// TryAcquire claims the spawn intent for id. When ok is false another
// evaluation is already spawning and the caller must skip. release must be
// called once the spawn call returns, whatever its outcome.
func (g *SpawnGuard) TryAcquire(id core.ExecutionID) (release func(), ok bool, err error) {
	g.mu.Lock()
	if g.held[id] {
		g.mu.Unlock()
		return nil, false, nil
	}
	g.held[id] = true
	g.mu.Unlock()

	unhold := func() {
		g.mu.Lock()
		delete(g.held, id)
		g.mu.Unlock()
	}

	created, err := g.createMarker(id)
	if err == nil && !created && g.abandoned(id) {
		_ = fsutil.RemoveIfExists(g.markerPath(id))
		created, err = g.createMarker(id)
	}
	if err != nil || !created {
		unhold()
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = fsutil.RemoveIfExists(g.markerPath(id))
			unhold()
		})
	}, true, nil
}

func (g *SpawnGuard) createMarker(id core.ExecutionID) (bool, error) {
	data, err := json.Marshal(spawnMarker{PID: os.Getpid(), Hostname: hostname(), CreatedAt: g.nowFunc()})
	if err != nil {
		return false, err
	}
	return fsutil.CreateExclusive(g.markerPath(id), data)
}

// abandoned reports whether an existing marker was left by a dead process or is too old.
func (g *SpawnGuard) abandoned(id core.ExecutionID) bool {
	var m spawnMarker
	found, err := fsutil.ReadJSON(g.markerPath(id), &m)
	if err != nil || !found {
		return true
	}
	if g.maxAge > 0 && g.nowFunc().Sub(m.CreatedAt) > g.maxAge {
		return true
	}
	if m.Hostname != hostname() {
		return false
	}
	// Markers of this process are tracked in memory; one not held there leaked.
	if m.PID == os.Getpid() {
		return true
	}
	return !ProcessAlive(m.PID, m.CreatedAt)
}

// Held reports whether a marker currently exists for id.
func (g *SpawnGuard) Held(id core.ExecutionID) bool {
	_, err := os.Stat(g.markerPath(id))
	return err == nil
}
