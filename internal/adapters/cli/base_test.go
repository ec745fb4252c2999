package cli

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func TestNewBaseAdapter(t *testing.T) {
	cfg := AgentConfig{
		Name:  "test",
		Path:  "/usr/bin/test",
		Model: "test-model",
	}

	// With nil logger
	adapter := NewBaseAdapter(cfg, nil)
	if adapter == nil {
		t.Fatal("NewBaseAdapter() returned nil")
	}
	if adapter.Config().Name != "test" {
		t.Errorf("config.Name = %s, want test", adapter.Config().Name)
	}
	if adapter.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestBaseAdapter_ParseJSON(t *testing.T) {
	base := NewBaseAdapter(AgentConfig{}, nil)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid json object", input: `{"key": "value", "number": 42}`},
		{name: "valid json array", input: `[1, 2, 3, 4, 5]`},
		{name: "embedded json", input: `Some text before {"key": "value"} and after`},
		{name: "no json", input: `Just plain text with no JSON`, wantErr: true},
		{name: "invalid json", input: `{"key": invalid}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result interface{}
			err := base.ParseJSON(tt.input, &result)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseAdapter_ExtractJSON(t *testing.T) {
	base := NewBaseAdapter(AgentConfig{}, nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "nested object", input: `log: {"a": {"b": 1}} trailing`, want: `{"a": {"b": 1}}`},
		{name: "braces inside strings", input: `{"text": "a } b", "n": 1}`, want: `{"text": "a } b", "n": 1}`},
		{name: "escaped quote", input: `{"text": "say \"hi\" }"}`, want: `{"text": "say \"hi\" }"}`},
		{name: "array", input: `result: [1, [2, 3]]`, want: `[1, [2, 3]]`},
		{name: "unterminated", input: `{"a": 1`, want: ""},
		{name: "none", input: `plain`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.ExtractJSON(tt.input); got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBaseAdapter_ClassifyError(t *testing.T) {
	base := NewBaseAdapter(AgentConfig{}, nil)

	tests := []struct {
		name      string
		result    *CommandResult
		wantCode  string
		retryable bool
	}{
		{
			name:      "rate limit",
			result:    &CommandResult{Stderr: "Error: rate limit exceeded", ExitCode: 1},
			wantCode:  CodeRateLimited,
			retryable: true,
		},
		{
			name:     "auth",
			result:   &CommandResult{Stderr: "Invalid API key provided", ExitCode: 1},
			wantCode: CodeAuth,
		},
		{
			name:      "network",
			result:    &CommandResult{Stderr: "connection refused", ExitCode: 1},
			wantCode:  CodeNetwork,
			retryable: true,
		},
		{
			name:      "json error on stdout",
			result:    &CommandResult{Stdout: `{"error": {"message": "something broke"}}`, ExitCode: 2},
			wantCode:  CodeCLIError,
			retryable: true,
		},
		{
			name:      "claude error result on stdout",
			result:    &CommandResult{Stdout: `{"type":"result","is_error":true,"result":"Too many requests"}`, ExitCode: 1},
			wantCode:  CodeRateLimited,
			retryable: true,
		},
		{
			name:      "nothing captured",
			result:    &CommandResult{ExitCode: 3},
			wantCode:  CodeCLIError,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := base.classifyError(tt.result)
			var de *core.DomainError
			if !errors.As(err, &de) {
				t.Fatalf("classifyError() = %T, want *core.DomainError", err)
			}
			if de.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", de.Code, tt.wantCode)
			}
			if de.Category != core.ErrCatExecution {
				t.Errorf("Category = %s, want %s", de.Category, core.ErrCatExecution)
			}
			if de.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", de.Retryable, tt.retryable)
			}
		})
	}
}

func TestBaseAdapter_CheckAvailability_NoPath(t *testing.T) {
	base := NewBaseAdapter(AgentConfig{}, nil)
	err := base.CheckAvailability(context.Background())
	if !core.IsCategory(err, core.ErrCatValidation) {
		t.Errorf("CheckAvailability() = %v, want validation error", err)
	}
}

func TestBaseAdapter_CheckAvailability_Missing(t *testing.T) {
	base := NewBaseAdapter(AgentConfig{Path: "definitely-not-a-real-binary-xyz"}, nil)
	err := base.CheckAvailability(context.Background())
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("CheckAvailability() = %v, want not found error", err)
	}
}

func TestBaseAdapter_CheckAvailability_MultiWordCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	base := NewBaseAdapter(AgentConfig{Path: "sh -c"}, nil)
	if err := base.CheckAvailability(context.Background()); err != nil {
		t.Errorf("CheckAvailability() error = %v", err)
	}
}

func TestBaseAdapter_ExecuteCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	base := NewBaseAdapter(AgentConfig{Name: "sh", Path: "sh -c"}, nil)

	t.Run("success", func(t *testing.T) {
		result, err := base.ExecuteCommand(context.Background(), []string{`echo out; echo err >&2; echo "$SPECFLOW_AGENT"`}, "", t.TempDir(), 0)
		if err != nil {
			t.Fatalf("ExecuteCommand() error = %v", err)
		}
		if result.Stdout != "out\nsh\n" {
			t.Errorf("Stdout = %q", result.Stdout)
		}
		if result.Stderr != "err\n" {
			t.Errorf("Stderr = %q", result.Stderr)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		result, err := base.ExecuteCommand(context.Background(), []string{"cat"}, "piped", "", 0)
		if err != nil {
			t.Fatalf("ExecuteCommand() error = %v", err)
		}
		if result.Stdout != "piped" {
			t.Errorf("Stdout = %q, want piped", result.Stdout)
		}
	})

	t.Run("exit code", func(t *testing.T) {
		result, err := base.ExecuteCommand(context.Background(), []string{"echo failed >&2; exit 3"}, "", "", 0)
		if err == nil {
			t.Fatal("expected error")
		}
		if result.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", result.ExitCode)
		}
		var de *core.DomainError
		if !errors.As(err, &de) || de.Code != CodeCLIError {
			t.Errorf("error = %v, want %s", err, CodeCLIError)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		_, err := base.ExecuteCommand(context.Background(), []string{"sleep 30"}, "", "", 200*time.Millisecond)
		if !core.IsCategory(err, core.ErrCatTimeout) {
			t.Fatalf("error = %v, want timeout", err)
		}
		if elapsed := time.Since(start); elapsed > 10*time.Second {
			t.Errorf("took %v, process was not terminated", elapsed)
		}
	})
}

func TestContainsAny(t *testing.T) {
	if !containsAny("rate limit hit", []string{"quota", "rate limit"}) {
		t.Error("expected match")
	}
	if containsAny("all good", []string{"error"}) {
		t.Error("unexpected match")
	}
	if containsAny("anything", nil) {
		t.Error("empty substrings should not match")
	}
}
