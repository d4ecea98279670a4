package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/aristath/waverunner/internal/backend"
	"github.com/aristath/waverunner/internal/orchestrator"
	"github.com/aristath/waverunner/internal/scheduler"
	"github.com/aristath/waverunner/internal/telemetry"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Retry.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		result = multierror.Append(result, fmt.Errorf("retry.jitter must be between 0 and 1, got %v", c.Retry.Jitter))
	}
	if c.TaskTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("task_timeout must not be negative, got %s", c.TaskTimeout))
	}
	if err := validBackend("backend", c.Backend); err != nil {
		result = multierror.Append(result, err)
	}
	for role, b := range c.Backends {
		if _, err := scheduler.ParseRole(role); err != nil {
			result = multierror.Append(result, fmt.Errorf("backends: %w", err))
		}
		if err := validBackend("backends."+role, b); err != nil {
			result = multierror.Append(result, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return result.ErrorOrNil()
}

func validBackend(key string, b BackendConfig) error {
	switch b.Type {
	case "", backend.TypeShell, backend.TypeDryRun:
		return nil
	}
	return fmt.Errorf("%s.type: unknown backend type %q", key, b.Type)
}

// RetryPolicy returns the executor retry policy.
func (c *Config) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.RetryPolicy{
		MaxRetries:          c.Retry.MaxRetries,
		InitialInterval:     c.Retry.InitialInterval,
		MaxInterval:         c.Retry.MaxInterval,
		Multiplier:          c.Retry.Multiplier,
		RandomizationFactor: c.Retry.Jitter,
		Timeout:             c.TaskTimeout,
	}
}

// BreakerRegistry returns the per-role breakers, or nil when disabled.
func (c *Config) BreakerRegistry() *orchestrator.BreakerRegistry {
	if !c.Breaker.Enabled {
		return nil
	}
	return orchestrator.NewBreakerRegistry(orchestrator.BreakerSettings{
		Threshold:   c.Breaker.Threshold,
		Cooldown:    c.Breaker.Cooldown,
		HalfOpenMax: c.Breaker.HalfOpenMax,
	})
}

// BackendConfigs returns the per-role backend configs and the fallback.
func (c *Config) BackendConfigs() (map[string]backend.Config, backend.Config) {
	roles := make(map[string]backend.Config, len(c.Backends))
	for role, b := range c.Backends {
		roles[role] = b.backendConfig()
	}
	return roles, c.Backend.backendConfig()
}

func (b BackendConfig) backendConfig() backend.Config {
	return backend.Config{
		Type:    b.Type,
		Shell:   b.Shell,
		WorkDir: b.WorkDir,
	}
}

// TelemetryConfig returns the tracer configuration.
func (c *Config) TelemetryConfig(serviceName, serviceVersion string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       c.Telemetry.Endpoint,
		SamplerType:    c.Telemetry.Sampler,
		SamplerRatio:   c.Telemetry.Ratio,
	}
}
