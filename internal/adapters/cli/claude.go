package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
)

// gracePeriod is how long a terminated session may take to exit before it is killed.
const gracePeriod = 5 * time.Second

// resultTailBytes is how much of a transcript is scanned for the final result.
const resultTailBytes = 256 * 1024

// ClaudeConfig configures the Claude session runner.
type ClaudeConfig struct {
	Path    string
	Model   string
	Timeout time.Duration
	// SessionsDir holds session records and transcripts.
	SessionsDir string
	// SkipPermissions passes --dangerously-skip-permissions; sessions run unattended.
	SkipPermissions bool
}

// ClaudeRunner runs skills as Claude CLI sessions. Background sessions
// write a stream-json transcript and a durable record, so their status
// survives a restart of the orchestrator.
type ClaudeRunner struct {
	*BaseAdapter
	dir             sessionDir
	skipPermissions bool
	now             func() time.Time

	// mu guards procs and record read-modify-write cycles.
	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ core.SessionRunner = (*ClaudeRunner)(nil)

// NewClaudeRunner creates a Claude session runner.
func NewClaudeRunner(cfg ClaudeConfig, logger *logging.Logger) (*ClaudeRunner, error) {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.SessionsDir == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "sessions directory is required")
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	base := NewBaseAdapter(AgentConfig{
		Name:    "claude",
		Path:    cfg.Path,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, logger.With("adapter", "claude"))

	return &ClaudeRunner{
		BaseAdapter:     base,
		dir:             sessionDir(cfg.SessionsDir),
		skipPermissions: cfg.SkipPermissions,
		now:             time.Now,
		procs:           make(map[string]*process),
	}, nil
}

// Ping checks if Claude CLI is available.
func (c *ClaudeRunner) Ping(ctx context.Context) error {
	if err := c.CheckAvailability(ctx); err != nil {
		return err
	}
	_, err := c.GetVersion(ctx, "--version")
	return err
}

// Start launches a background session and returns once the process runs.
func (c *ClaudeRunner) Start(ctx context.Context, req core.SessionRequest) (*core.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	resumeID := c.resumeTarget(req.ResumeSessionID)
	sessionID := ""
	if resumeID == "" {
		sessionID = id
	}

	rec := &sessionRecord{
		ID:             id,
		AgentSessionID: sessionID,
		Skill:          req.Skill,
		ProjectPath:    req.ProjectPath,
	}
	rec.LogPath, _ = c.dir.path(id, ".log")
	rec.StderrPath, _ = c.dir.path(id, ".stderr")

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.launch(rec, c.buildArgs(req, resumeID, sessionID, true), req.ProjectPath, req.Timeout); err != nil {
		return nil, err
	}

	c.logger.Info("claude: session started",
		"session_id", id,
		"skill", req.Skill,
		"pid", rec.PID,
		"resumed_from", resumeID,
	)
	return rec.handle(), nil
}

// Status returns the live status of a session. A running record whose
// process has exited is settled from its transcript.
func (c *ClaudeRunner) Status(_ context.Context, id string) (*core.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.dir.load(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == core.SessionRunning {
		if _, tracked := c.procs[id]; !tracked && !lock.ProcessAlive(rec.PID, rec.StartedAt) {
			c.settle(rec, "")
			if err := c.dir.save(rec); err != nil {
				return nil, err
			}
		}
	}
	return rec.handle(), nil
}

// Resume continues a finished or waiting session with the given answers.
func (c *ClaudeRunner) Resume(_ context.Context, id string, answers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.dir.load(id)
	if err != nil {
		return err
	}
	if _, tracked := c.procs[id]; tracked || (rec.Status == core.SessionRunning && lock.ProcessAlive(rec.PID, rec.StartedAt)) {
		return core.ErrState(core.CodeInvalidState, "session is still running")
	}
	if rec.AgentSessionID == "" {
		return core.ErrState(core.CodeInvalidState, "session has no conversation to resume")
	}

	req := core.SessionRequest{Prompt: formatAnswers(answers)}
	if err := c.launch(rec, c.buildArgs(req, rec.AgentSessionID, "", true), rec.ProjectPath, 0); err != nil {
		return err
	}
	c.logger.Info("claude: session resumed", "session_id", id, "answers", len(answers))
	return nil
}

// Cancel terminates a session. Finished sessions are left untouched.
func (c *ClaudeRunner) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	rec, err := c.dir.load(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if rec.Status.IsFinished() {
		c.mu.Unlock()
		return nil
	}
	now := c.now()
	rec.Status = core.SessionCancelled
	rec.FinishedAt = &now
	rec.Error = "session cancelled"
	saveErr := c.dir.save(rec)
	p := c.procs[id]
	c.mu.Unlock()

	if p != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if lock.ProcessAlive(rec.PID, rec.StartedAt) {
		if err := terminateGroup(rec.PID, gracePeriod); err != nil {
			return err
		}
	}
	c.logger.Info("claude: session cancelled", "session_id", id)
	return saveErr
}

// Run executes a session to completion. A failed command that still
// printed a result is reported through SessionResult.IsError.
func (c *ClaudeRunner) Run(ctx context.Context, req core.SessionRequest) (*core.SessionResult, error) {
	args := c.buildArgs(req, c.resumeTarget(req.ResumeSessionID), "", false)
	result, err := c.ExecuteCommand(ctx, args, "", req.ProjectPath, req.Timeout)
	if result == nil {
		return nil, err
	}

	res := parseResult(result.Stdout)
	if res == nil {
		if err != nil {
			return nil, err
		}
		return &core.SessionResult{Output: result.Stdout, Duration: result.Duration}, nil
	}

	out := &core.SessionResult{
		SessionID: res.SessionID,
		Output:    res.Result,
		CostUsd:   res.TotalCostUsd,
		Duration:  time.Duration(res.DurationMs) * time.Millisecond,
		IsError:   res.failed() || err != nil,
	}
	if out.Duration == 0 {
		out.Duration = result.Duration
	}
	if out.IsError {
		out.Error = res.errorText()
	}
	return out, nil
}

// buildArgs assembles the CLI arguments. Background sessions stream
// events to the transcript; synchronous runs print a single JSON result.
func (c *ClaudeRunner) buildArgs(req core.SessionRequest, resumeID, sessionID string, streaming bool) []string {
	args := []string{"--print"}
	if streaming {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	if c.config.Model != "" {
		args = append(args, "--model", c.config.Model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
		if req.Fork {
			args = append(args, "--fork-session")
		}
	} else if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.MaxBudgetUsd > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUsd, 'f', 2, 64))
	}
	return append(args, promptFor(req))
}

// promptFor is the prompt text passed to the agent. The skill invocation
// leads unless the prompt already starts with it.
func promptFor(req core.SessionRequest) string {
	switch {
	case req.Prompt == "":
		return req.Skill
	case req.Skill == "" || strings.HasPrefix(req.Prompt, req.Skill):
		return req.Prompt
	default:
		return req.Skill + "\n\n" + req.Prompt
	}
}

// resumeTarget maps a session id to the agent conversation it continues.
// Ids without a record are passed through as agent ids.
func (c *ClaudeRunner) resumeTarget(id string) string {
	if id == "" {
		return ""
	}
	if rec, err := c.dir.load(id); err == nil && rec.AgentSessionID != "" {
		return rec.AgentSessionID
	}
	return id
}

// launch starts the agent process for rec and tracks it. Callers hold c.mu.
func (c *ClaudeRunner) launch(rec *sessionRecord, args []string, workDir string, timeout time.Duration) error {
	cmdPath, args, err := c.resolve(args)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(rec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening session transcript: %w", err)
	}
	errFile, err := os.OpenFile(rec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		_ = logFile.Close()
		return fmt.Errorf("opening session stderr: %w", err)
	}

	// Sessions outlive the request that started them.
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.CommandContext(runCtx, cmdPath, args...)
	c.prepare(cmd, workDir)
	cmd.Stdout = logFile
	cmd.Stderr = errFile
	cmd.Cancel = func() error { return terminateGroup(cmd.Process.Pid, gracePeriod) }
	cmd.WaitDelay = gracePeriod + time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		_ = logFile.Close()
		_ = errFile.Close()
		return fmt.Errorf("starting command: %w", err)
	}

	rec.PID = cmd.Process.Pid
	rec.StartedAt = c.now()
	rec.Status = core.SessionRunning
	rec.FinishedAt = nil
	rec.Error = ""
	rec.Stderr = ""
	if err := c.dir.save(rec); err != nil {
		cancel()
		_ = cmd.Wait()
		_ = logFile.Close()
		_ = errFile.Close()
		return fmt.Errorf("saving session record: %w", err)
	}

	p := &process{cmd: cmd, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	c.procs[rec.ID] = p
	go c.wait(rec.ID, p, logFile, errFile)
	return nil
}

// wait reaps a session process and records its outcome.
func (c *ClaudeRunner) wait(id string, p *process, files ...*os.File) {
	defer close(p.done)

	err := p.cmd.Wait()
	for _, f := range files {
		_ = f.Close()
	}
	exitErr := ""
	switch {
	case errors.Is(p.ctx.Err(), context.DeadlineExceeded):
		exitErr = "session timed out"
	case err != nil:
		exitErr = err.Error()
	}
	p.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.procs, id)

	rec, loadErr := c.dir.load(id)
	if loadErr != nil {
		c.logger.Warn("claude: session record unreadable", "session_id", id, "error", loadErr)
		return
	}
	if rec.Status != core.SessionRunning {
		return
	}
	c.settle(rec, exitErr)
	if err := c.dir.save(rec); err != nil {
		c.logger.Warn("claude: saving session outcome failed", "session_id", id, "error", err)
		return
	}
	c.logger.Info("claude: session finished",
		"session_id", id,
		"status", string(rec.Status),
		"cost_usd", rec.CostUsd,
	)
}

// settle derives the final status of an exited session from its transcript.
func (c *ClaudeRunner) settle(rec *sessionRecord, exitErr string) {
	now := c.now()
	rec.FinishedAt = &now
	rec.Stderr = strings.TrimSpace(lastChars(readTail(rec.StderrPath, utf8.UTFMax*maxStderrChars), maxStderrChars))

	res := parseResult(readTail(rec.LogPath, resultTailBytes))
	switch {
	case res != nil:
		rec.CostUsd = res.TotalCostUsd
		if res.SessionID != "" {
			rec.AgentSessionID = res.SessionID
		}
		if res.failed() {
			rec.Status = core.SessionFailed
			rec.Error = res.errorText()
		} else {
			rec.Status = core.SessionCompleted
		}
	case exitErr != "":
		rec.Status = core.SessionFailed
		rec.Error = exitErr
	default:
		rec.Status = core.SessionFailed
		rec.Error = "agent exited without a result"
	}
}

// claudeResult is the final result object printed by the Claude CLI.
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUsd float64 `json:"total_cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
}

func (r *claudeResult) failed() bool {
	return r.IsError || strings.HasPrefix(r.Subtype, "error")
}

func (r *claudeResult) errorText() string {
	if r.Result != "" {
		return truncate(r.Result, 2000)
	}
	if r.Subtype != "" {
		return r.Subtype
	}
	return "agent reported an error"
}

// parseResult returns the last result object in output, or nil.
func parseResult(output string) *claudeResult {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r claudeResult
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Type == "result" {
			return &r
		}
	}
	return nil
}

// formatAnswers renders answers to an agent's questions in a stable order.
func formatAnswers(answers map[string]string) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Answers to your questions:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, answers[k])
	}
	return b.String()
}
