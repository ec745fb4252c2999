package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// isolatedLoader returns a loader that only sees the given directories.
func isolatedLoader(t *testing.T) (*Loader, string, string) {
	t.Helper()
	userDir := t.TempDir()
	projectDir := t.TempDir()
	return NewLoader().WithSearchDirs(userDir, projectDir), userDir, projectDir
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoader_Defaults(t *testing.T) {
	loader, _, _ := isolatedLoader(t)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "auto" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "auto")
	}
	if cfg.State.Backend != core.StateBackendJSON {
		t.Errorf("State.Backend = %q, want %q", cfg.State.Backend, core.StateBackendJSON)
	}
	if cfg.Runner.PollInterval != 10*time.Second {
		t.Errorf("Runner.PollInterval = %v, want 10s", cfg.Runner.PollInterval)
	}
	if cfg.Runner.MaxDuration != 4*time.Hour {
		t.Errorf("Runner.MaxDuration = %v, want 4h", cfg.Runner.MaxDuration)
	}
	if cfg.Runner.MaxLookupFailures != 5 {
		t.Errorf("Runner.MaxLookupFailures = %d, want 5", cfg.Runner.MaxLookupFailures)
	}
	if cfg.Agent.Path != "claude" {
		t.Errorf("Agent.Path = %q, want %q", cfg.Agent.Path, "claude")
	}
	if cfg.Agent.Timeout != 3*time.Hour {
		t.Errorf("Agent.Timeout = %v, want 3h", cfg.Agent.Timeout)
	}
	if got := cfg.Agent.Skills["implement"]; got != "/flow.implement" {
		t.Errorf("Agent.Skills[implement] = %q, want %q", got, "/flow.implement")
	}
	if cfg.Status.Path != "specflow" {
		t.Errorf("Status.Path = %q, want %q", cfg.Status.Path, "specflow")
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want 8787", cfg.Server.Port)
	}

	orch := cfg.Orchestration.Core()
	want := core.DefaultOrchestrationConfig()
	if orch.AutoMerge != want.AutoMerge || orch.AutoHealEnabled != want.AutoHealEnabled {
		t.Errorf("Orchestration flags = %+v, want %+v", orch, want)
	}
	if orch.MaxHealAttempts != 1 || orch.BatchSizeFallback != 15 {
		t.Errorf("Orchestration = %+v, want heal attempts 1 and fallback 15", orch)
	}
	if orch.Budget != want.Budget {
		t.Errorf("Budget = %+v, want %+v", orch.Budget, want.Budget)
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if files := loader.ConfigFiles(); len(files) != 0 {
		t.Errorf("ConfigFiles() = %v, want none", files)
	}
}

func TestLoader_ProjectOverridesUser(t *testing.T) {
	loader, userDir, projectDir := isolatedLoader(t)

	writeConfig(t, filepath.Join(userDir, "config.yaml"), `
log:
  level: debug
runner:
  poll_interval: 30s
orchestration:
  auto_merge: true
  budget:
    max_total: 20
`)
	writeConfig(t, filepath.Join(projectDir, ProjectConfigPath), `
runner:
  poll_interval: 5s
agent:
  skills:
    verify: /custom.verify
orchestration:
  skip_steps: [design]
`)

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want user value debug", cfg.Log.Level)
	}
	if cfg.Runner.PollInterval != 5*time.Second {
		t.Errorf("Runner.PollInterval = %v, want project value 5s", cfg.Runner.PollInterval)
	}
	if !cfg.Orchestration.AutoMerge {
		t.Error("Orchestration.AutoMerge should come from user config")
	}
	if cfg.Orchestration.Budget.MaxTotal != 20 {
		t.Errorf("Budget.MaxTotal = %v, want 20", cfg.Orchestration.Budget.MaxTotal)
	}
	if cfg.Orchestration.Budget.HealingBudget != core.DefaultHealingBudget {
		t.Errorf("Budget.HealingBudget = %v, want default", cfg.Orchestration.Budget.HealingBudget)
	}

	skills := cfg.Agent.StepSkills()
	if skills[core.StepVerify] != "/custom.verify" {
		t.Errorf("verify skill = %q, want /custom.verify", skills[core.StepVerify])
	}
	if skills[core.StepDesign] != "/flow.design" {
		t.Errorf("design skill = %q, want default", skills[core.StepDesign])
	}

	orch := cfg.Orchestration.Core()
	if len(orch.SkipSteps) != 1 || orch.SkipSteps[0] != core.StepDesign {
		t.Errorf("SkipSteps = %v, want [design]", orch.SkipSteps)
	}

	if files := loader.ConfigFiles(); len(files) != 2 {
		t.Errorf("ConfigFiles() = %v, want user and project files", files)
	}
}

func TestLoader_EnvOverridesFiles(t *testing.T) {
	loader, userDir, _ := isolatedLoader(t)
	writeConfig(t, filepath.Join(userDir, "config.yaml"), "state:\n  backend: json\n")

	t.Setenv("SPECFLOW_STATE_BACKEND", "sqlite")
	t.Setenv("SPECFLOW_RUNNER_MAX_LOOKUP_FAILURES", "9")

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.Backend != "sqlite" {
		t.Errorf("State.Backend = %q, want sqlite", cfg.State.Backend)
	}
	if cfg.Runner.MaxLookupFailures != 9 {
		t.Errorf("Runner.MaxLookupFailures = %d, want 9", cfg.Runner.MaxLookupFailures)
	}
}

func TestLoader_ExplicitFile(t *testing.T) {
	loader, userDir, _ := isolatedLoader(t)
	writeConfig(t, filepath.Join(userDir, "config.yaml"), "log:\n  level: debug\n")

	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeConfig(t, explicit, "server:\n  port: 9000\n")

	cfg, err := loader.WithConfigFile(explicit).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, user config should be ignored with an explicit file", cfg.Log.Level)
	}
}

func TestLoader_ExplicitFileMissing(t *testing.T) {
	loader, _, _ := isolatedLoader(t)
	_, err := loader.WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoader_MalformedFile(t *testing.T) {
	loader, _, projectDir := isolatedLoader(t)
	writeConfig(t, filepath.Join(projectDir, ProjectConfigPath), "runner: [unterminated\n")

	if _, err := loader.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStateConfig_Dirs(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	dir, err := StateConfig{}.StateDir()
	if err != nil {
		t.Fatalf("StateDir() error = %v", err)
	}
	if want := filepath.Join(home, ".config", "specflow", "state"); dir != want {
		t.Errorf("StateDir() = %q, want %q", dir, want)
	}

	dir, err = StateConfig{Dir: "~/state"}.StateDir()
	if err != nil {
		t.Fatalf("StateDir() error = %v", err)
	}
	if want := filepath.Join(home, "state"); dir != want {
		t.Errorf("StateDir() = %q, want %q", dir, want)
	}

	sessions, err := StateConfig{Dir: "/var/specflow"}.SessionsDir()
	if err != nil {
		t.Fatalf("SessionsDir() error = %v", err)
	}
	if want := filepath.Join("/var/specflow", "sessions"); sessions != want {
		t.Errorf("SessionsDir() = %q, want %q", sessions, want)
	}
}
