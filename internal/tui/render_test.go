package tui

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

func fixedRenderer() *Renderer {
	r := NewRenderer(ModePlain)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func sampleExecution() *core.OrchestrationExecution {
	started := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
	return &core.OrchestrationExecution{
		ID:          "exec-1",
		ProjectID:   "proj-a",
		ProjectPath: "/work/a",
		Status:      core.StatusNeedsAttention,
		Step:        core.Step{Current: core.StepImplement, Index: 2, Status: core.StepFailed},
		Config:      core.OrchestrationConfig{Budget: core.Budget{MaxTotal: 50}},
		Batches: core.BatchTracking{
			Total:   2,
			Current: 1,
			Items: []core.BatchItem{
				{Index: 0, Section: "Setup", TaskIDs: []string{"T001", "T002"}, Status: core.BatchCompleted, CostUsd: 1.5},
				{Index: 1, Section: "Core", TaskIDs: []string{"T003"}, Status: core.BatchFailed, HealAttempts: 1},
			},
		},
		DecisionLog: []core.DecisionLogEntry{
			{Timestamp: started, Decision: "spawn", Reason: "first"},
			{Timestamp: started, Decision: "heal", Reason: "second"},
			{Timestamp: started, Decision: "needs_attention", Reason: "third"},
		},
		TotalCostUsd:    3.25,
		HealingCostUsd:  0.75,
		RecoveryContext: &core.RecoveryContext{Issue: "batch Core failed", Options: []core.RecoveryOption{core.RecoveryRetry, core.RecoveryAbort}},
		StartedAt:       started,
		UpdatedAt:       started,
	}
}

func TestRenderer_Execution(t *testing.T) {
	out := fixedRenderer().Execution(sampleExecution(), 2)

	for _, want := range []string{
		"Execution exec-1",
		"needs_attention",
		"implement failed",
		"$3.25 (healing $0.75) of $50.00",
		"30m ago",
		"batch Core failed",
		"retry, abort",
		"Batches 1/2",
		">  2. failed",
		"heals=1",
		"second",
		"third",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "first") {
		t.Errorf("only the last 2 decisions should be shown:\n%s", out)
	}
}

func TestRenderer_ExecutionWithoutDecisions(t *testing.T) {
	out := fixedRenderer().Execution(sampleExecution(), 0)
	if strings.Contains(out, "Recent decisions") {
		t.Errorf("decision log rendered with recent=0:\n%s", out)
	}
}

func TestRenderer_Plan(t *testing.T) {
	plan := planner.Build("## Setup\n- [ ] T001 one\n- [x] T002 two\n## Core\n- [ ] T003 three\n", 0)
	out := fixedRenderer().Plan("specs/001/tasks.md", plan)

	if !strings.Contains(out, "2 open tasks in 2 batches (sections)") {
		t.Errorf("unexpected summary:\n%s", out)
	}
	if !strings.Contains(out, " 1. Setup") || !strings.Contains(out, "T003") {
		t.Errorf("batches not listed:\n%s", out)
	}
}

func TestRenderer_PlanAllComplete(t *testing.T) {
	plan := planner.Build("- [x] T001 done\n", 0)
	out := fixedRenderer().Plan("tasks.md", plan)
	if !strings.Contains(out, "All tasks are complete.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRenderer_ExecutionListEmpty(t *testing.T) {
	if got := fixedRenderer().ExecutionList(nil); got != "No executions.\n" {
		t.Errorf("ExecutionList(nil) = %q", got)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1h30m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDetector(t *testing.T) {
	t.Setenv("SPECFLOW_OUTPUT", "")
	t.Setenv("SPECFLOW_QUIET", "")
	t.Setenv("CI", "")
	t.Setenv("GITHUB_ACTIONS", "")
	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "xterm")

	tty := &Detector{isTTY: func() bool { return true }}
	if got := tty.Detect(); got != ModeStyled {
		t.Errorf("tty Detect() = %v, want styled", got)
	}
	if got := tty.NoColor(true).Detect(); got != ModePlain {
		t.Errorf("no-color Detect() = %v, want plain", got)
	}

	pipe := &Detector{isTTY: func() bool { return false }}
	if got := pipe.Detect(); got != ModePlain {
		t.Errorf("pipe Detect() = %v, want plain", got)
	}
	if got := pipe.ForceMode(ModeJSON).Detect(); got != ModeJSON {
		t.Errorf("forced Detect() = %v, want json", got)
	}

	t.Setenv("SPECFLOW_OUTPUT", "json")
	if got := (&Detector{isTTY: func() bool { return true }}).Detect(); got != ModeJSON {
		t.Errorf("env Detect() = %v, want json", got)
	}
	os.Unsetenv("SPECFLOW_OUTPUT")

	t.Setenv("NO_COLOR", "1")
	if (&Detector{isTTY: func() bool { return true }}).ShouldUseColor() {
		t.Error("NO_COLOR should disable color")
	}
}

func TestOutputModeString(t *testing.T) {
	if OutputMode(99).String() != "unknown" {
		t.Error("unknown mode should stringify as unknown")
	}
	if ModePlain.String() != "plain" {
		t.Error("ModePlain should stringify as plain")
	}
}
