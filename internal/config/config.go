// Package config loads and validates the Synapse TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/synapse-reg/synapse/internal/phase"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	Temporal Temporal `toml:"temporal"`
	Tracking Tracking `toml:"tracking"`
	LLM      LLM      `toml:"llm"`
}

type General struct {
	LogLevel        string `toml:"log_level"`
	WorkflowVersion string `toml:"workflow_version"`
}

type Temporal struct {
	HostPort           string   `toml:"host_port"`
	Namespace          string   `toml:"namespace"`
	TaskQueue          string   `toml:"task_queue"`
	ManualPollInterval Duration `toml:"manual_poll_interval"`
}

type Tracking struct {
	DB                       string              `toml:"db"`
	ExpectedWorkflowDuration Duration            `toml:"expected_workflow_duration"`
	ExpectedPhaseDurations   map[string]Duration `toml:"expected_phase_durations"`
}

type LLM struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

// Load reads and validates a Synapse TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.WorkflowVersion == "" {
		cfg.General.WorkflowVersion = "2.0"
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "synapse-test-cycle"
	}
	if cfg.Temporal.ManualPollInterval.Duration == 0 {
		cfg.Temporal.ManualPollInterval.Duration = 30 * time.Second
	}
	if cfg.Tracking.DB == "" {
		cfg.Tracking.DB = "~/.synapse/tracking.db"
	}
	if cfg.Tracking.ExpectedWorkflowDuration.Duration == 0 {
		cfg.Tracking.ExpectedWorkflowDuration.Duration = 7 * 24 * time.Hour
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "stub"
	}
}

func validate(cfg *Config) error {
	graph := phase.NewGraph()
	for name, d := range cfg.Tracking.ExpectedPhaseDurations {
		if !graph.Contains(name) {
			return fmt.Errorf("expected_phase_durations references unknown phase %q", name)
		}
		if d.Duration <= 0 {
			return fmt.Errorf("expected_phase_durations[%q] must be positive", name)
		}
	}

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	if cfg.Tracking.DB != "" {
		dir := ExpandHome(filepath.Dir(cfg.Tracking.DB))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("tracking db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
