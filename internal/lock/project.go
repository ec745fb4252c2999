package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// ProjectLockExt is the extension of project lock files.
const ProjectLockExt = ".lock"

// DefaultProjectLockTTL bounds how long a lock may be held before other
// processes treat it as abandoned. Holders only keep it for one
// read-modify-write of a record.
const DefaultProjectLockTTL = 30 * time.Second

// projectLockInfo is the content of a project lock file.
type projectLockInfo struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ProjectLocks serializes writers of one project's execution records across
// processes with an exclusive lock file per project under dir.
type ProjectLocks struct {
	dir     string
	ttl     time.Duration
	poll    time.Duration
	nowFunc func() time.Time
}

// ProjectLockOption configures ProjectLocks.
type ProjectLockOption func(*ProjectLocks)

// WithProjectLockTTL sets the age after which a held lock is broken.
func WithProjectLockTTL(d time.Duration) ProjectLockOption {
	return func(l *ProjectLocks) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// NewProjectLocks creates project locks stored in dir.
func NewProjectLocks(dir string, opts ...ProjectLockOption) *ProjectLocks {
	l := &ProjectLocks{
		dir:     dir,
		ttl:     DefaultProjectLockTTL,
		poll:    5 * time.Millisecond,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ProjectLocks) path(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", core.ErrValidation(core.CodeInvalidState, fmt.Sprintf("invalid project id %q", projectID))
	}
	return filepath.Join(l.dir, projectID+ProjectLockExt), nil
}

// Acquire blocks until the lock of projectID is held or ctx is done. The
// returned unlock is safe to call more than once.
func (l *ProjectLocks) Acquire(ctx context.Context, projectID string) (unlock func(), err error) {
	path, err := l.path(projectID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	token := uuid.NewString()
	wait := l.poll
	for {
		created, err := l.create(path, token)
		if err != nil {
			return nil, err
		}
		if created {
			var once sync.Once
			return func() {
				once.Do(func() { l.release(path, token) })
			}, nil
		}
		l.breakIfAbandoned(path)

		select {
		case <-ctx.Done():
			return nil, core.ErrTimeout(fmt.Sprintf("waiting for lock on project %s", projectID)).
				WithCause(ctx.Err())
		case <-time.After(wait):
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

// create publishes a fully written lock file at path. The content is written
// to a temporary file first and hard-linked into place, so readers never see
// a partial lock and the link fails when another holder exists.
func (l *ProjectLocks) create(path, token string) (bool, error) {
	data, err := json.Marshal(projectLockInfo{
		Token:      token,
		PID:        os.Getpid(),
		Hostname:   hostname(),
		AcquiredAt: l.nowFunc(),
	})
	if err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(l.dir, ".tmp-lock-*")
	if err != nil {
		return false, fmt.Errorf("creating lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("linking lock file: %w", err)
	}
	return true, nil
}

func (l *ProjectLocks) read(path string) (*projectLockInfo, bool) {
	var info projectLockInfo
	found, err := fsutil.ReadJSON(path, &info)
	if err != nil || !found {
		return nil, found
	}
	return &info, true
}

// release removes the lock only while it still carries token, so a holder
// whose lock was broken cannot delete its successor's.
func (l *ProjectLocks) release(path, token string) {
	info, found := l.read(path)
	if !found || info == nil || info.Token != token {
		return
	}
	_ = fsutil.RemoveIfExists(path)
}

// breakIfAbandoned removes a lock left by a dead process or held past the TTL.
func (l *ProjectLocks) breakIfAbandoned(path string) {
	info, found := l.read(path)
	if !found {
		return
	}
	if info == nil {
		// Lock files are linked in complete; an unreadable one is damaged.
		if st, err := os.Stat(path); err == nil && l.nowFunc().Sub(st.ModTime()) > l.ttl {
			_ = fsutil.RemoveIfExists(path)
		}
		return
	}
	if !l.abandoned(info) {
		return
	}
	// Re-check the token so a lock re-acquired in the meantime survives.
	if current, _ := l.read(path); current != nil && current.Token == info.Token {
		_ = fsutil.RemoveIfExists(path)
	}
}

func (l *ProjectLocks) abandoned(info *projectLockInfo) bool {
	if l.ttl > 0 && l.nowFunc().Sub(info.AcquiredAt) > l.ttl {
		return true
	}
	if info.Hostname != hostname() || info.PID == os.Getpid() {
		return false
	}
	return !ProcessAlive(info.PID, info.AcquiredAt)
}

// Held reports whether a lock file currently exists for projectID.
func (l *ProjectLocks) Held(projectID string) bool {
	path, err := l.path(projectID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
