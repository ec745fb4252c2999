package cli

import (
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// maxStderrChars caps the standard-error excerpt kept on a session record.
const maxStderrChars = 4000

// sessionRecord is the durable state of a background agent session.
// It outlives the process that started the session.
type sessionRecord struct {
	ID string `json:"id"`
	// AgentSessionID is the conversation id reported by the agent, used to resume.
	AgentSessionID string             `json:"agentSessionId,omitempty"`
	Status         core.SessionStatus `json:"status"`
	Skill          string             `json:"skill,omitempty"`
	ProjectPath    string             `json:"projectPath"`
	PID            int                `json:"pid"`
	StartedAt      time.Time          `json:"startedAt"`
	FinishedAt     *time.Time         `json:"finishedAt,omitempty"`
	CostUsd        float64            `json:"costUsd"`
	Error          string             `json:"error,omitempty"`
	Stderr         string             `json:"stderr,omitempty"`
	LogPath        string             `json:"logPath"`
	StderrPath     string             `json:"stderrPath"`
}

// sessionDir stores session records and transcripts as <id>.json, <id>.log
// and <id>.stderr.
type sessionDir string

func (d sessionDir) path(id, ext string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", core.ErrNotFound("session", id)
	}
	return filepath.Join(string(d), id+ext), nil
}

func (d sessionDir) load(id string) (*sessionRecord, error) {
	p, err := d.path(id, ".json")
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	found, err := fsutil.ReadJSON(p, &rec)
	if err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "session record unreadable").WithCause(err)
	}
	if !found {
		return nil, core.ErrNotFound("session", id)
	}
	return &rec, nil
}

func (d sessionDir) save(rec *sessionRecord) error {
	p, err := d.path(rec.ID, ".json")
	if err != nil {
		return err
	}
	return fsutil.WriteJSON(p, rec)
}

// lastActivity is the transcript modification time, or the start time
// before the agent has written anything.
func (rec *sessionRecord) lastActivity() time.Time {
	info, err := os.Stat(rec.LogPath)
	if err != nil || info.ModTime().Before(rec.StartedAt) {
		return rec.StartedAt
	}
	return info.ModTime()
}

func (rec *sessionRecord) handle() *core.SessionHandle {
	return &core.SessionHandle{
		ID:           rec.ID,
		Status:       rec.Status,
		CostUsd:      rec.CostUsd,
		LastActivity: rec.lastActivity(),
		Error:        rec.Error,
		Stderr:       rec.Stderr,
		LogPath:      rec.LogPath,
	}
}

// readTail returns at most limit bytes from the end of a file, starting on a
// character boundary.
func readTail(path string, limit int64) string {
	f, err := os.Open(path) // #nosec G304 -- path is built from a validated session id
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > limit {
		if _, err := f.Seek(-limit, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return ""
	}
	for len(data) > 0 && !utf8.RuneStart(data[0]) {
		data = data[1:]
	}
	return string(data)
}
