// Package healing recovers failed implementation batches by running a
// healer agent session against the failure context.
package healing

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

//go:embed prompts/healer.md.tmpl
var promptsFS embed.FS

const (
	// MaxStderrChars caps the standard-error excerpt embedded in the prompt.
	MaxStderrChars = 2000
	// MaxTranscriptChars caps the session transcript excerpt.
	MaxTranscriptChars = 4000
	// UnknownFailure is reported when no failure metadata is available.
	UnknownFailure = "Unknown failure"
	// HealerSkill is the skill used for healer sessions.
	HealerSkill = "/flow.heal"
)

// ResultStatus classifies what a healer session achieved.
type ResultStatus string

const (
	ResultFixed   ResultStatus = "fixed"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// FailureContext is everything known about a failed batch.
type FailureContext struct {
	Section           string   `json:"section"`
	Error             string   `json:"error"`
	Stderr            string   `json:"stderr,omitempty"`
	SessionID         string   `json:"sessionId,omitempty"`
	AttemptedTaskIDs  []string `json:"attemptedTaskIds"`
	CompletedTaskIDs  []string `json:"completedTaskIds"`
	FailedTaskIDs     []string `json:"failedTaskIds"`
	Transcript        string   `json:"transcript,omitempty"`
	AdditionalContext string   `json:"additionalContext,omitempty"`
}

// Result is the healer's own report.
type Result struct {
	Status         ResultStatus `json:"status"`
	TasksCompleted []string     `json:"tasksCompleted"`
	TasksRemaining []string     `json:"tasksRemaining"`
	BlockerReason  string       `json:"blockerReason,omitempty"`
}

// Outcome is the result of one healing attempt. Success reports whether the
// session call itself succeeded, independent of Result.Status.
type Outcome struct {
	Success      bool          `json:"success"`
	Result       *Result       `json:"result,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	CostUsd      float64       `json:"costUsd"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// Service runs healer sessions.
type Service struct {
	sessions core.SessionRunner
	logger   *logging.Logger
	prompt   *template.Template
	timeout  time.Duration
	skill    string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds each healer session.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSkill overrides the healer skill identifier.
func WithSkill(skill string) Option {
	return func(s *Service) {
		if skill != "" {
			s.skill = skill
		}
	}
}

// NewService creates a healing service.
func NewService(sessions core.SessionRunner, opts ...Option) (*Service, error) {
	content, err := promptsFS.ReadFile("prompts/healer.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("reading healer template: %w", err)
	}
	tmpl, err := template.New("healer").Funcs(template.FuncMap{
		"list": func(ids []string) string {
			if len(ids) == 0 {
				return "(none)"
			}
			return strings.Join(ids, ", ")
		},
	}).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing healer template: %w", err)
	}

	s := &Service{
		sessions: sessions,
		logger:   logging.NewNop(),
		prompt:   tmpl,
		timeout:  core.DefaultSpawnTimeout,
		skill:    HealerSkill,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CaptureFailureContext gathers failure metadata for a batch of exec. Missing
// metadata degrades to UnknownFailure instead of failing.
func (s *Service) CaptureFailureContext(ctx context.Context, exec *core.OrchestrationExecution, section string, taskIDs []string) FailureContext {
	fc := FailureContext{
		Section:          section,
		Error:            UnknownFailure,
		AttemptedTaskIDs: append([]string(nil), taskIDs...),
	}

	if item := findBatch(exec, section); item != nil {
		fc.SessionID = item.WorkflowExecutionID
	}
	if exec != nil && exec.ErrorMessage != "" {
		fc.Error = exec.ErrorMessage
	}
	if fc.SessionID != "" && s.sessions != nil {
		handle, err := s.sessions.Status(ctx, fc.SessionID)
		switch {
		case err != nil:
			s.logger.WithSession(fc.SessionID).Debug("failure metadata unavailable", "error", err)
		case handle != nil:
			if handle.Error != "" {
				fc.Error = handle.Error
			}
			fc.Stderr = handle.Stderr
			fc.Transcript = readTail(handle.LogPath, MaxTranscriptChars)
		}
	}

	completion := taskCompletion(exec)
	for _, id := range taskIDs {
		if completion[id] {
			fc.CompletedTaskIDs = append(fc.CompletedTaskIDs, id)
		} else {
			fc.FailedTaskIDs = append(fc.FailedTaskIDs, id)
		}
	}
	return fc
}

func findBatch(exec *core.OrchestrationExecution, section string) *core.BatchItem {
	if exec == nil {
		return nil
	}
	if item := exec.Batches.CurrentItem(); item != nil && item.Section == section {
		return item
	}
	for i := range exec.Batches.Items {
		if exec.Batches.Items[i].Section == section {
			return &exec.Batches.Items[i]
		}
	}
	return nil
}

// taskCompletion reads completion markers from the execution's tasks file.
func taskCompletion(exec *core.OrchestrationExecution) map[string]bool {
	if exec == nil {
		return nil
	}
	path := exec.TasksPath
	if path == "" {
		found, err := planner.FindTasksFile(exec.ProjectPath)
		if err != nil {
			return nil
		}
		path = found
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil
	}
	return planner.CompletionIndex(string(data))
}

func readTail(path string, limit int) string {
	if path == "" {
		return ""
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(tail(string(data), limit))
}

// tail returns the last limit characters of s.
func tail(s string, limit int) string {
	n := utf8.RuneCountInString(s)
	if n <= limit {
		return s
	}
	for skip := n - limit; skip > 0; skip-- {
		_, size := utf8.DecodeRuneInString(s)
		s = s[size:]
	}
	return s
}

// BuildHealerPrompt renders the deterministic healer prompt.
func (s *Service) BuildHealerPrompt(fc FailureContext) (string, error) {
	// The prompt leaves the process, so agent output is redacted first.
	fc.Stderr = truncate(s.logger.Sanitize(fc.Stderr), MaxStderrChars)
	fc.Transcript = s.logger.Sanitize(fc.Transcript)
	fc.Error = s.logger.Sanitize(fc.Error)
	if fc.Error == "" {
		fc.Error = UnknownFailure
	}
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, fc); err != nil {
		return "", fmt.Errorf("rendering healer prompt: %w", err)
	}
	return buf.String(), nil
}

// truncate keeps the first limit characters of s, never splitting a rune.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	kept := 0
	for i := range s {
		if kept == limit {
			return s[:i] + "\n... (truncated)"
		}
		kept++
	}
	return s
}

// SpawnHealer runs one healer session. A known session id is continued as a
// fork; otherwise a fresh session starts. maxBudget bounds the session spend.
func (s *Service) SpawnHealer(ctx context.Context, projectPath string, fc FailureContext, maxBudget float64) Outcome {
	start := time.Now()
	prompt, err := s.BuildHealerPrompt(fc)
	if err != nil {
		return Outcome{ErrorMessage: err.Error(), Duration: time.Since(start)}
	}

	req := core.SessionRequest{
		Skill:           s.skill,
		ProjectPath:     projectPath,
		Prompt:          prompt,
		Section:         fc.Section,
		TaskIDs:         fc.FailedTaskIDs,
		ResumeSessionID: fc.SessionID,
		Fork:            fc.SessionID != "",
		MaxBudgetUsd:    maxBudget,
		Timeout:         s.timeout,
	}
	if len(req.TaskIDs) == 0 {
		req.TaskIDs = fc.AttemptedTaskIDs
	}

	res, err := s.sessions.Run(ctx, req)
	if err != nil {
		s.logger.Warn("healer session failed", "section", fc.Section, "error", err)
		return Outcome{ErrorMessage: err.Error(), Duration: time.Since(start)}
	}

	out := Outcome{
		SessionID: res.SessionID,
		CostUsd:   res.CostUsd,
		Duration:  res.Duration,
	}
	if out.Duration == 0 {
		out.Duration = time.Since(start)
	}
	if res.IsError {
		out.ErrorMessage = res.Error
		if out.ErrorMessage == "" {
			out.ErrorMessage = "healer session reported an error"
		}
		return out
	}
	out.Success = true
	out.Result = ParseResult(res.Output)
	return out
}

// ParseResult extracts the last JSON result object from healer output.
// It returns nil when the output carries none.
func ParseResult(output string) *Result {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		line = strings.Trim(line, "`")
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var r Result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		switch r.Status {
		case ResultFixed, ResultPartial, ResultFailed:
			return &r
		}
	}
	return nil
}

// AttemptHeal heals one batch. When every target task is already complete on
// disk it succeeds immediately at no cost. Otherwise a healer session runs
// with the remaining healing budget as its ceiling. The returned cost never
// exceeds that ceiling.
func (s *Service) AttemptHeal(ctx context.Context, exec *core.OrchestrationExecution, section string, taskIDs []string, additional string) Outcome {
	completion := taskCompletion(exec)
	if allComplete(completion, taskIDs) {
		return Outcome{
			Success: true,
			Result: &Result{
				Status:         ResultFixed,
				TasksCompleted: append([]string(nil), taskIDs...),
			},
		}
	}

	budget := exec.RemainingHealingBudget()
	if budget <= 0 {
		return Outcome{ErrorMessage: "healing budget exhausted"}
	}

	fc := s.CaptureFailureContext(ctx, exec, section, taskIDs)
	fc.AdditionalContext = additional

	out := s.SpawnHealer(ctx, exec.ProjectPath, fc, budget)
	if out.CostUsd > budget {
		s.logger.WithExecution(string(exec.ID)).Warn("healer overspent its ceiling",
			"cost", out.CostUsd, "ceiling", budget)
		out.CostUsd = budget
	}
	if out.Success && out.Result == nil {
		out.Result = resultFromDisk(exec, taskIDs)
	}
	return out
}

func allComplete(completion map[string]bool, ids []string) bool {
	if len(ids) == 0 || completion == nil {
		return false
	}
	for _, id := range ids {
		if !completion[id] {
			return false
		}
	}
	return true
}

// resultFromDisk classifies a healer run from task markers when the healer
// did not report a result itself.
func resultFromDisk(exec *core.OrchestrationExecution, taskIDs []string) *Result {
	completion := taskCompletion(exec)
	r := &Result{}
	for _, id := range taskIDs {
		if completion[id] {
			r.TasksCompleted = append(r.TasksCompleted, id)
		} else {
			r.TasksRemaining = append(r.TasksRemaining, id)
		}
	}
	switch {
	case len(r.TasksRemaining) == 0 && len(taskIDs) > 0:
		r.Status = ResultFixed
	case len(r.TasksCompleted) > 0:
		r.Status = ResultPartial
	default:
		r.Status = ResultFailed
		r.BlockerReason = "no tasks were marked complete"
	}
	return r
}

// IsHealingSuccessful reports whether the healer fixed the batch.
func IsHealingSuccessful(o Outcome) bool {
	return o.Result != nil && o.Result.Status == ResultFixed
}

// IsHealingPartial reports whether the healer fixed part of the batch.
func IsHealingPartial(o Outcome) bool {
	return o.Result != nil && o.Result.Status == ResultPartial
}

// GetHealingSummary returns a one-line summary of an outcome.
func GetHealingSummary(o Outcome) string {
	if !o.Success {
		msg := o.ErrorMessage
		if msg == "" {
			msg = UnknownFailure
		}
		return "Healing error: " + msg
	}
	if o.Result == nil {
		return "Healing finished without a result"
	}
	switch o.Result.Status {
	case ResultFixed:
		return fmt.Sprintf("Healed: %d tasks completed", len(o.Result.TasksCompleted))
	case ResultPartial:
		return fmt.Sprintf("Partially healed: %d completed, %d remaining",
			len(o.Result.TasksCompleted), len(o.Result.TasksRemaining))
	default:
		reason := o.Result.BlockerReason
		if reason == "" {
			reason = "no reason given"
		}
		return "Healing failed: " + reason
	}
}
