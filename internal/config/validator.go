package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates cfg and wraps any problems in a validation DomainError.
func Validate(cfg *Config) error {
	if err := NewValidator().Validate(cfg); err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid configuration").WithCause(err)
	}
	return nil
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateRunner(&cfg.Runner)
	v.validateAgent(&cfg.Agent)
	v.validateServer(&cfg.Server)
	v.validateOrchestration(&cfg.Orchestration)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend != "" && !slices.Contains(core.StateBackends, backend) {
		v.addError("state.backend", cfg.Backend, "must be one of: "+strings.Join(core.StateBackends, ", "))
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	if cfg.PollInterval <= 0 {
		v.addError("runner.poll_interval", cfg.PollInterval, "must be positive")
	}
	if cfg.MaxIterations < 0 {
		v.addError("runner.max_iterations", cfg.MaxIterations, "must be >= 0")
	}
	if cfg.SpawnTimeout <= 0 {
		v.addError("runner.spawn_timeout", cfg.SpawnTimeout, "must be positive")
	}
	if cfg.StaleThreshold <= 0 {
		v.addError("runner.stale_threshold", cfg.StaleThreshold, "must be positive")
	}
	if cfg.MaxDuration <= 0 {
		v.addError("runner.max_duration", cfg.MaxDuration, "must be positive")
	}
	if cfg.MaxLookupFailures <= 0 {
		v.addError("runner.max_lookup_failures", cfg.MaxLookupFailures, "must be positive")
	}
	if cfg.TriggerRate <= 0 {
		v.addError("runner.trigger_rate", cfg.TriggerRate, "must be positive")
	}
}

func (v *Validator) validateAgent(cfg *AgentConfig) {
	if strings.TrimSpace(cfg.Path) == "" {
		v.addError("agent.path", cfg.Path, "path required")
	}
	if cfg.Timeout < 0 {
		v.addError("agent.timeout", cfg.Timeout, "must be >= 0")
	}
	for name, skill := range cfg.Skills {
		if _, err := core.ParseStep(name); err != nil {
			v.addError("agent.skills."+name, skill, "unknown step")
			continue
		}
		if strings.TrimSpace(skill) == "" {
			v.addError("agent.skills."+name, skill, "skill required")
		}
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
}

func (v *Validator) validateOrchestration(cfg *OrchestrationConfig) {
	for _, s := range cfg.SkipSteps {
		if _, err := core.ParseStep(s); err != nil {
			v.addError("orchestration.skip_steps", s, "unknown step")
		}
	}
	if cfg.MaxHealAttempts < 0 {
		v.addError("orchestration.max_heal_attempts", cfg.MaxHealAttempts, "must be >= 0")
	}
	if cfg.BatchSizeFallback <= 0 {
		v.addError("orchestration.batch_size_fallback", cfg.BatchSizeFallback, "must be positive")
	}

	budgets := []struct {
		field string
		value float64
	}{
		{"orchestration.budget.max_total", cfg.Budget.MaxTotal},
		{"orchestration.budget.max_per_batch", cfg.Budget.MaxPerBatch},
		{"orchestration.budget.healing_budget", cfg.Budget.HealingBudget},
		{"orchestration.budget.decision_budget", cfg.Budget.DecisionBudget},
	}
	for _, b := range budgets {
		if b.value < 0 {
			v.addError(b.field, b.value, "must be >= 0")
		}
	}
	if cfg.Budget.MaxTotal > 0 && cfg.Budget.MaxPerBatch > cfg.Budget.MaxTotal {
		v.addError("orchestration.budget.max_per_batch", cfg.Budget.MaxPerBatch, "must be <= orchestration.budget.max_total")
	}
}
