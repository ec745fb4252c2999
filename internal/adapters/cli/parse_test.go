package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func TestParseResult(t *testing.T) {
	t.Run("last result line wins", func(t *testing.T) {
		out := `{"type":"system","subtype":"init"}
{"type":"result","subtype":"success","result":"first","total_cost_usd":0.1}
not json
{"type":"result","subtype":"success","result":"second","total_cost_usd":0.2}
`
		res := parseResult(out)
		require.NotNil(t, res)
		assert.Equal(t, "second", res.Result)
		assert.False(t, res.failed())
	})

	t.Run("single json object", func(t *testing.T) {
		res := parseResult(`{"type":"result","subtype":"error_max_turns","is_error":false,"session_id":"s"}`)
		require.NotNil(t, res)
		assert.True(t, res.failed())
		assert.Equal(t, "error_max_turns", res.errorText())
	})

	t.Run("no result", func(t *testing.T) {
		assert.Nil(t, parseResult(`{"type":"assistant"}`))
		assert.Nil(t, parseResult(""))
	})
}

func TestPromptFor(t *testing.T) {
	tests := []struct {
		name string
		req  core.SessionRequest
		want string
	}{
		{name: "skill only", req: core.SessionRequest{Skill: "/flow.design"}, want: "/flow.design"},
		{name: "prompt leads with skill", req: core.SessionRequest{Skill: "/flow.implement", Prompt: "/flow.implement --tasks T001"}, want: "/flow.implement --tasks T001"},
		{name: "prompt without skill", req: core.SessionRequest{Prompt: "hello"}, want: "hello"},
		{name: "skill prepended", req: core.SessionRequest{Skill: "/flow.heal", Prompt: "fix it"}, want: "/flow.heal\n\nfix it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, promptFor(tt.req))
		})
	}
}

func TestFormatAnswers(t *testing.T) {
	assert.Equal(t, "Answers to your questions:", formatAnswers(nil))
	assert.Equal(t, "Answers to your questions:\n- a: 1\n- b: 2", formatAnswers(map[string]string{"b": "2", "a": "1"}))
}

func TestBuildArgs(t *testing.T) {
	r := &ClaudeRunner{BaseAdapter: NewBaseAdapter(AgentConfig{Path: "claude"}, nil)}

	args := r.buildArgs(core.SessionRequest{Prompt: "p"}, "", "", false)
	assert.Equal(t, []string{"--print", "--output-format", "json", "p"}, args)

	args = r.buildArgs(core.SessionRequest{Prompt: "p", Fork: true, MaxBudgetUsd: 0.333}, "conv", "ignored", true)
	assert.Equal(t, []string{
		"--print", "--output-format", "stream-json", "--verbose",
		"--resume", "conv", "--fork-session",
		"--max-budget-usd", "0.33",
		"p",
	}, args)
}

func TestTruncate_CountsCharacters(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 5))
	assert.Equal(t, "hé... [truncated]", truncate("héllo", 2))

	res := &claudeResult{IsError: true, Result: strings.Repeat("é", 2500)}
	text := res.errorText()
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, strings.Repeat("é", 2000)+"... [truncated]", text)
}

func TestReadTail_StartsOnCharacterBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stderr.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("é", 10)), 0o600))

	// 5 bytes from the end lands inside a two-byte character.
	got := readTail(path, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé", got)
	assert.Equal(t, "ééé", lastChars(strings.Repeat("é", 10), 3))
	assert.Equal(t, "ab", lastChars("ab", 3))
}
