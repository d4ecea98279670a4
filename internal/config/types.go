package config

import (
	"time"
)

// RetryConfig bounds how often and how fast a failing task is re-attempted.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`      // Retries after the first attempt
	InitialInterval time.Duration `mapstructure:"initial_interval"` // First backoff delay
	MaxInterval     time.Duration `mapstructure:"max_interval"`     // Backoff ceiling
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"` // Randomization factor, 0 to 1
}

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Threshold   uint32        `mapstructure:"threshold"` // Consecutive failures that open a breaker
	Cooldown    time.Duration `mapstructure:"cooldown"`
	HalfOpenMax uint32        `mapstructure:"half_open_max"`
}

// BackendConfig selects how the tasks of a role are executed.
type BackendConfig struct {
	Type    string `mapstructure:"type"`     // "shell" or "dry-run"
	Shell   string `mapstructure:"shell"`    // Interpreter for shell tasks (default "sh")
	WorkDir string `mapstructure:"work_dir"` // Working directory, empty for the current one
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	Endpoint string  `mapstructure:"endpoint"`
	Sampler  string  `mapstructure:"sampler"` // "always", "never" or "ratio"
	Ratio    float64 `mapstructure:"ratio"`
}

// ArchiveConfig controls the run archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // SQLite file, empty for ~/.waverunner/runs.db
}

// Config is the top-level configuration.
type Config struct {
	Retry       RetryConfig              `mapstructure:"retry"`
	TaskTimeout time.Duration            `mapstructure:"task_timeout"` // Per-attempt timeout, 0 for none
	Breaker     BreakerConfig            `mapstructure:"breaker"`
	Backend     BackendConfig            `mapstructure:"backend"`  // Used by every role without an entry in Backends
	Backends    map[string]BackendConfig `mapstructure:"backends"` // Keyed by role name
	Log         LogConfig                `mapstructure:"log"`
	Telemetry   TelemetryConfig          `mapstructure:"telemetry"`
	Archive     ArchiveConfig            `mapstructure:"archive"`
}
