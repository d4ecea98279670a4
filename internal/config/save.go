package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Save persists the configuration. The format follows the file extension
// (JSON or YAML). Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	v := viper.New()
	if err := v.MergeConfigMap(cfg.settings()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// settings returns cfg as a nested map with durations in Go syntax.
func (c *Config) settings() map[string]any {
	backends := make(map[string]any, len(c.Backends))
	for role, b := range c.Backends {
		backends[role] = b.settings()
	}

	return map[string]any{
		"retry": map[string]any{
			"max_retries":      c.Retry.MaxRetries,
			"initial_interval": c.Retry.InitialInterval.String(),
			"max_interval":     c.Retry.MaxInterval.String(),
			"multiplier":       c.Retry.Multiplier,
			"jitter":           c.Retry.Jitter,
		},
		"task_timeout": c.TaskTimeout.String(),
		"breaker": map[string]any{
			"enabled":       c.Breaker.Enabled,
			"threshold":     c.Breaker.Threshold,
			"cooldown":      c.Breaker.Cooldown.String(),
			"half_open_max": c.Breaker.HalfOpenMax,
		},
		"backend":  c.Backend.settings(),
		"backends": backends,
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"telemetry": map[string]any{
			"enabled":  c.Telemetry.Enabled,
			"endpoint": c.Telemetry.Endpoint,
			"sampler":  c.Telemetry.Sampler,
			"ratio":    c.Telemetry.Ratio,
		},
		"archive": map[string]any{
			"enabled": c.Archive.Enabled,
			"path":    c.Archive.Path,
		},
	}
}

func (b BackendConfig) settings() map[string]any {
	return map[string]any{
		"type":     b.Type,
		"shell":    b.Shell,
		"work_dir": b.WorkDir,
	}
}
