package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/logging"
)

// Error codes for failed agent commands.
const (
	CodeRateLimited = "RATE_LIMITED"
	CodeAuth        = "AUTH_FAILED"
	CodeNetwork     = "NETWORK"
	CodeCLIError    = "CLI_ERROR"
	CodeNoPath      = "NO_PATH"
)

// DefaultTimeout bounds a synchronous command without an explicit timeout.
const DefaultTimeout = 3 * time.Hour

// AgentConfig holds adapter configuration.
type AgentConfig struct {
	Name    string
	Path    string
	Model   string
	Timeout time.Duration
	WorkDir string
}

// BaseAdapter provides common CLI execution functionality.
type BaseAdapter struct {
	config AgentConfig
	logger *logging.Logger

	// ExtraEnv holds additional environment variables to set for command execution.
	// Values are applied on top of the current process environment.
	ExtraEnv map[string]string
}

// NewBaseAdapter creates a new base adapter.
func NewBaseAdapter(cfg AgentConfig, logger *logging.Logger) *BaseAdapter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BaseAdapter{
		config: cfg,
		logger: logger,
	}
}

// Config returns the adapter configuration.
func (b *BaseAdapter) Config() AgentConfig {
	return b.config
}

// CommandResult holds the result of a CLI execution.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// resolve splits a multi-word command path (e.g., "npx specflow") into the
// executable and its leading arguments.
func (b *BaseAdapter) resolve(args []string) (string, []string, error) {
	cmdParts := strings.Fields(b.config.Path)
	if len(cmdParts) == 0 {
		return "", nil, core.ErrValidation(CodeNoPath, "adapter path not configured")
	}
	if len(cmdParts) > 1 {
		args = append(append([]string{}, cmdParts[1:]...), args...)
	}
	return cmdParts[0], args, nil
}

// prepare sets the working directory, environment and process group of cmd.
func (b *BaseAdapter) prepare(cmd *exec.Cmd, workDir string) {
	if workDir != "" {
		cmd.Dir = workDir
	} else if b.config.WorkDir != "" {
		cmd.Dir = b.config.WorkDir
	}

	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "SPECFLOW_MANAGED=true", fmt.Sprintf("SPECFLOW_AGENT=%s", b.config.Name))
	for k, v := range b.ExtraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureProcAttr(cmd)
}

// ExecuteCommand runs a CLI command to completion.
// The optTimeout parameter allows overriding the default timeout; pass 0 to use config default.
func (b *BaseAdapter) ExecuteCommand(ctx context.Context, args []string, stdin, workDir string, optTimeout time.Duration) (*CommandResult, error) {
	timeout := optTimeout
	if timeout == 0 {
		timeout = b.config.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdPath, args, err := b.resolve(args)
	if err != nil {
		return nil, err
	}

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.CommandContext(ctx, cmdPath, args...)
	b.prepare(cmd, workDir)
	cmd.Cancel = func() error { return terminateGroup(cmd.Process.Pid, gracePeriod) }
	cmd.WaitDelay = gracePeriod + time.Second

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("cli: executing command",
		"adapter", b.config.Name,
		"path", cmdPath,
		"args", truncate(strings.Join(args, " "), 500),
		"work_dir", cmd.Dir,
		"stdin_length", len(stdin),
		"timeout", timeout,
	)

	startTime := time.Now()
	err = cmd.Run()
	duration := time.Since(startTime)

	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.logger.Error("cli: command timeout",
			"adapter", b.config.Name,
			"path", cmdPath,
			"duration", duration,
			"timeout", timeout,
			"stderr_preview", truncate(result.Stderr, 1000),
		)
		return result, core.ErrTimeout(fmt.Sprintf("command timed out after %v", timeout))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		b.logger.Info("cli: command cancelled", "adapter", b.config.Name, "path", cmdPath, "duration", duration)
		return result, core.ErrState("CANCELLED", "command cancelled")
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			b.logger.Warn("cli: command failed",
				"adapter", b.config.Name,
				"path", cmdPath,
				"exit_code", result.ExitCode,
				"duration", duration,
				"stderr", truncate(result.Stderr, 2000),
			)
			return result, b.classifyError(result)
		}
		return result, fmt.Errorf("executing command: %w", err)
	}

	b.logger.Debug("cli: command completed",
		"adapter", b.config.Name,
		"path", cmdPath,
		"duration", duration,
		"stdout_length", len(result.Stdout),
	)
	return result, nil
}

// classifyError maps a failed command to a domain error.
func (b *BaseAdapter) classifyError(result *CommandResult) error {
	// Try to get error message from stderr first, then stdout
	errorMsg := strings.TrimSpace(result.Stderr)
	if errorMsg == "" {
		errorMsg = extractErrorFromOutput(result.Stdout)
	}
	if errorMsg == "" {
		errorMsg = "(no error message captured)"
	}

	errorMsgLower := strings.ToLower(errorMsg)

	if containsAny(errorMsgLower, []string{"rate limit", "too many requests", "429", "quota"}) {
		return core.ErrExecution(CodeRateLimited, errorMsg)
	}
	if containsAny(errorMsgLower, []string{"unauthorized", "authentication", "api key", "invalid token"}) {
		err := core.ErrExecution(CodeAuth, errorMsg)
		err.Retryable = false
		return err
	}
	if containsAny(errorMsgLower, []string{"connection", "network", "timeout", "unreachable"}) {
		return core.ErrExecution(CodeNetwork, errorMsg)
	}

	return core.ErrExecution(CodeCLIError,
		fmt.Sprintf("command failed with exit code %d: %s", result.ExitCode, errorMsg),
	)
}

// extractErrorFromOutput tries to extract error messages from stdout.
// Many CLIs output JSON with error fields to stdout.
func extractErrorFromOutput(stdout string) string {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- { // errors are usually at the end
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}

		if errMsg, ok := obj["error"].(string); ok && errMsg != "" {
			return errMsg
		}
		if errObj, ok := obj["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
		// Claude CLI format: {"type":"result","is_error":true,"result":"..."}
		if isErr, _ := obj["is_error"].(bool); isErr {
			if msg, ok := obj["result"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ParseJSON extracts and parses JSON from output.
func (b *BaseAdapter) ParseJSON(output string, v interface{}) error {
	if err := json.Unmarshal([]byte(output), v); err == nil {
		return nil
	}
	if extracted := b.ExtractJSON(output); extracted != "" {
		if err := json.Unmarshal([]byte(extracted), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no valid JSON found in output")
}

// ExtractJSON finds and extracts the first JSON object or array from mixed text output.
func (b *BaseAdapter) ExtractJSON(output string) string {
	start := strings.IndexAny(output, "{[")
	if start == -1 {
		return ""
	}

	openChar := output[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		c := output[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return output[start : i+1]
			}
		}
	}
	return ""
}

// GetVersion runs the CLI with versionArg and extracts a version string.
func (b *BaseAdapter) GetVersion(ctx context.Context, versionArg string) (string, error) {
	result, err := b.ExecuteCommand(ctx, []string{versionArg}, "", "", 30*time.Second)
	if err != nil {
		return "", err
	}

	output := result.Stdout + result.Stderr
	re := regexp.MustCompile(`v?\d+\.\d+(\.\d+)?(-[a-zA-Z0-9]+)?`)
	if match := re.FindString(output); match != "" {
		return match, nil
	}
	return strings.TrimSpace(output), nil
}

// CheckAvailability verifies the CLI is installed and accessible.
func (b *BaseAdapter) CheckAvailability(_ context.Context) error {
	cmdPath, _, err := b.resolve(nil)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(cmdPath); err != nil {
		return core.ErrNotFound("CLI", cmdPath)
	}
	return nil
}

// truncate keeps the first maxLen characters of s, never splitting a rune.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	kept := 0
	for i := range s {
		if kept == maxLen {
			return s[:i] + "... [truncated]"
		}
		kept++
	}
	return s
}

// lastChars returns the last n characters of s.
func lastChars(s string, n int) string {
	count := utf8.RuneCountInString(s)
	for ; count > n; count-- {
		_, size := utf8.DecodeRuneInString(s)
		s = s[size:]
	}
	return s
}
