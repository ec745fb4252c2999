// Package core provides the domain types, error taxonomy and collaborator ports
// of the orchestration engine. All packages import from here to stay consistent.
package core

import "time"

// Log levels
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogLevels is the ordered list of log levels.
var LogLevels = []string{LogDebug, LogInfo, LogWarn, LogError}

// Log formats
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogFormats is the ordered list of log formats.
var LogFormats = []string{LogFormatAuto, LogFormatText, LogFormatJSON}

// State backends
const (
	StateBackendJSON   = "json"
	StateBackendSQLite = "sqlite"
)

// StateBackends is the ordered list of state backends.
var StateBackends = []string{StateBackendJSON, StateBackendSQLite}

// Orchestration defaults.
const (
	DefaultBatchSizeFallback = 15
	DefaultMaxHealAttempts   = 1
	DefaultMaxTotalBudget    = 50.0
	DefaultMaxPerBatchBudget = 5.0
	DefaultHealingBudget     = 2.0
	DefaultDecisionBudget    = 0.5
)

// Runner timing defaults.
const (
	DefaultPollInterval      = 10 * time.Second
	DefaultSpawnTimeout      = 10 * time.Minute
	DefaultStaleThreshold    = 10 * time.Minute
	DefaultMaxRunDuration    = 4 * time.Hour
	DefaultMaxLookupFailures = 5
)

// DefaultSkills maps every step to the agent skill that executes it.
var DefaultSkills = map[StepName]string{
	StepDesign:    "/flow.design",
	StepAnalyze:   "/flow.analyze",
	StepImplement: "/flow.implement",
	StepVerify:    "/flow.verify",
	StepMerge:     "/flow.merge",
}

// SkillForStep returns the skill for a step, looking at overrides first.
func SkillForStep(step StepName, overrides map[StepName]string) string {
	if s, ok := overrides[step]; ok && s != "" {
		return s
	}
	return DefaultSkills[step]
}
