package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// ProjectConfigPath is the project-level config file, relative to the working directory.
var ProjectConfigPath = filepath.Join(".specflow", "config.yaml")

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	userDir    string
	projectDir string
	used       []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	l := &Loader{
		v:          v,
		envPrefix:  "SPECFLOW",
		projectDir: ".",
	}
	if home, err := os.UserHomeDir(); err == nil {
		l.userDir = filepath.Join(home, ".config", "specflow")
	}
	return l
}

// WithConfigFile sets an explicit config file path. The user and project
// files are not read when one is set.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithSearchDirs overrides the user config directory and the project root.
func (l *Loader) WithSearchDirs(userDir, projectDir string) *Loader {
	l.userDir = userDir
	l.projectDir = projectDir
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (SPECFLOW_*)
// 3. Project config (./.specflow/config.yaml)
// 4. User config (~/.config/specflow/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.used = nil
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", l.configFile, err)
		}
		l.used = append(l.used, l.configFile)
	} else {
		if err := l.mergeLayers(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// mergeLayers reads the user file and then merges the project file over it.
func (l *Loader) mergeLayers() error {
	var paths []string
	if l.userDir != "" {
		paths = append(paths, filepath.Join(l.userDir, "config.yaml"))
	}
	if l.projectDir != "" {
		paths = append(paths, filepath.Join(l.projectDir, ProjectConfigPath))
	}

	l.v.SetConfigType("yaml")
	for _, path := range paths {
		f, err := os.Open(path) // #nosec G304 -- fixed config locations
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		err = l.v.MergeConfig(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
		l.used = append(l.used, path)
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("state.backend", core.StateBackendJSON)
	l.v.SetDefault("state.dir", "")

	l.v.SetDefault("runner.poll_interval", core.DefaultPollInterval)
	l.v.SetDefault("runner.max_iterations", 0)
	l.v.SetDefault("runner.spawn_timeout", core.DefaultSpawnTimeout)
	l.v.SetDefault("runner.stale_threshold", core.DefaultStaleThreshold)
	l.v.SetDefault("runner.max_duration", core.DefaultMaxRunDuration)
	l.v.SetDefault("runner.max_lookup_failures", core.DefaultMaxLookupFailures)
	l.v.SetDefault("runner.trigger_rate", 1.0)

	l.v.SetDefault("agent.path", "claude")
	l.v.SetDefault("agent.model", "")
	l.v.SetDefault("agent.timeout", "3h")
	l.v.SetDefault("agent.skip_permissions", true)
	for step, skill := range core.DefaultSkills {
		l.v.SetDefault("agent.skills."+string(step), skill)
	}

	l.v.SetDefault("status.path", "specflow")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8787)

	l.v.SetDefault("registry.path", "")

	d := core.DefaultOrchestrationConfig()
	l.v.SetDefault("orchestration.skip_steps", []string{})
	l.v.SetDefault("orchestration.auto_merge", d.AutoMerge)
	l.v.SetDefault("orchestration.auto_heal", d.AutoHealEnabled)
	l.v.SetDefault("orchestration.max_heal_attempts", d.MaxHealAttempts)
	l.v.SetDefault("orchestration.pause_between_batches", d.PauseBetweenBatches)
	l.v.SetDefault("orchestration.batch_size_fallback", d.BatchSizeFallback)
	l.v.SetDefault("orchestration.budget.max_total", d.Budget.MaxTotal)
	l.v.SetDefault("orchestration.budget.max_per_batch", d.Budget.MaxPerBatch)
	l.v.SetDefault("orchestration.budget.healing_budget", d.Budget.HealingBudget)
	l.v.SetDefault("orchestration.budget.decision_budget", d.Budget.DecisionBudget)
}

// ConfigFiles returns the config files that were read, in merge order.
func (l *Loader) ConfigFiles() []string {
	return append([]string(nil), l.used...)
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// Load is a convenience wrapper that loads and validates configuration
// from the default locations.
func Load() (*Config, error) {
	cfg, err := NewLoader().Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
