package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	State         StateConfig         `mapstructure:"state"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Status        StatusConfig        `mapstructure:"status"`
	Server        ServerConfig        `mapstructure:"server"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	// Dir is the state root. Empty means ~/.config/specflow/state.
	Dir string `mapstructure:"dir"`
}

// RunnerConfig configures the evaluation loops.
type RunnerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	SpawnTimeout      time.Duration `mapstructure:"spawn_timeout"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	MaxLookupFailures int           `mapstructure:"max_lookup_failures"`
	TriggerRate       float64       `mapstructure:"trigger_rate"`
}

// AgentConfig configures the agent CLI that runs step sessions.
type AgentConfig struct {
	Path            string            `mapstructure:"path"`
	Model           string            `mapstructure:"model"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	SkipPermissions bool              `mapstructure:"skip_permissions"`
	Skills          map[string]string `mapstructure:"skills"`
}

// StatusConfig configures the specflow status CLI.
type StatusConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RegistryConfig locates the project registry file.
type RegistryConfig struct {
	// Path is the registry file. Empty means ~/.config/specflow/projects.yaml.
	Path string `mapstructure:"path"`
}

// OrchestrationConfig holds the defaults captured by new executions.
type OrchestrationConfig struct {
	SkipSteps           []string     `mapstructure:"skip_steps"`
	AutoMerge           bool         `mapstructure:"auto_merge"`
	AutoHeal            bool         `mapstructure:"auto_heal"`
	MaxHealAttempts     int          `mapstructure:"max_heal_attempts"`
	PauseBetweenBatches bool         `mapstructure:"pause_between_batches"`
	BatchSizeFallback   int          `mapstructure:"batch_size_fallback"`
	Budget              BudgetConfig `mapstructure:"budget"`
}

// BudgetConfig holds the cost ceilings of an execution.
type BudgetConfig struct {
	MaxTotal       float64 `mapstructure:"max_total"`
	MaxPerBatch    float64 `mapstructure:"max_per_batch"`
	HealingBudget  float64 `mapstructure:"healing_budget"`
	DecisionBudget float64 `mapstructure:"decision_budget"`
}

// Core converts the orchestration defaults into the domain configuration.
// Unknown step names are dropped; Validate reports them.
func (c OrchestrationConfig) Core() core.OrchestrationConfig {
	out := core.OrchestrationConfig{
		AutoMerge:           c.AutoMerge,
		AutoHealEnabled:     c.AutoHeal,
		MaxHealAttempts:     c.MaxHealAttempts,
		PauseBetweenBatches: c.PauseBetweenBatches,
		BatchSizeFallback:   c.BatchSizeFallback,
		Budget: core.Budget{
			MaxTotal:       c.Budget.MaxTotal,
			MaxPerBatch:    c.Budget.MaxPerBatch,
			HealingBudget:  c.Budget.HealingBudget,
			DecisionBudget: c.Budget.DecisionBudget,
		},
	}
	for _, s := range c.SkipSteps {
		if step, err := core.ParseStep(s); err == nil {
			out.SkipSteps = append(out.SkipSteps, step)
		}
	}
	return out
}

// StepSkills returns the skill overrides keyed by step.
func (c AgentConfig) StepSkills() map[core.StepName]string {
	out := make(map[core.StepName]string, len(c.Skills))
	for name, skill := range c.Skills {
		step, err := core.ParseStep(name)
		if err != nil || strings.TrimSpace(skill) == "" {
			continue
		}
		out[step] = skill
	}
	return out
}

// StateDir returns the resolved state root.
func (c StateConfig) StateDir() (string, error) {
	if c.Dir != "" {
		return expandHome(c.Dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "specflow", "state"), nil
}

// SessionsDir is where agent session records and transcripts live.
func (c StateConfig) SessionsDir() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
