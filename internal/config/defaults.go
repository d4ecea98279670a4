package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          0.5,
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Cooldown:    30 * time.Second,
			HalfOpenMax: 1,
		},
		Backend: BackendConfig{
			Type:  "shell",
			Shell: "sh",
		},
		Backends: map[string]BackendConfig{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Sampler: "always",
			Ratio:   1.0,
		},
		Archive: ArchiveConfig{
			Enabled: true,
		},
	}
}

// setDefaults registers every key with v so that environment overrides
// apply to keys no file mentions.
func setDefaults(v *viper.Viper) {
	for key, value := range flatten("", DefaultConfig().settings()) {
		v.SetDefault(key, value)
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
