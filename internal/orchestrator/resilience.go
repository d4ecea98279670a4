package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/aristath/waverunner/internal/logger"
)

// RetryPolicy bounds how often and how fast a failing task is re-attempted.
type RetryPolicy struct {
	MaxRetries          int           // Retries after the first attempt (default 2)
	InitialInterval     time.Duration // First backoff delay (default 100ms)
	MaxInterval         time.Duration // Backoff ceiling (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	Timeout             time.Duration // Per-attempt timeout, 0 for none
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          2,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// MaxAttempts is the most times a task is invoked under this policy.
func (p RetryPolicy) MaxAttempts() int {
	return max(p.MaxRetries, 0) + 1
}

// newBackOff builds the delay schedule between attempts. Only the retry count
// bounds it; there is no elapsed-time cap.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = 0
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(p.MaxRetries, 0))), ctx)
}

// BreakerSettings configures the per-role circuit breakers.
type BreakerSettings struct {
	Threshold   uint32        // Consecutive failed attempts that open the breaker (default 5)
	Cooldown    time.Duration // Time spent open before probing (default 30s)
	HalfOpenMax uint32        // Probe attempts allowed while half-open (default 1)
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Threshold:   5,
		Cooldown:    30 * time.Second,
		HalfOpenMax: 1,
	}
}

// BreakerRegistry manages one circuit breaker per worker role, so a role
// whose tasks keep failing stops burning attempts across the whole run.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. Zero fields in settings take defaults.
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	def := DefaultBreakerSettings()
	if settings.Threshold == 0 {
		settings.Threshold = def.Threshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = def.Cooldown
	}
	if settings.HalfOpenMax == 0 {
		settings.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerRegistry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for role, creating it on first use.
func (r *BreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	threshold := r.settings.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: r.settings.HalfOpenMax,
		Interval:    0, // Don't clear counts while closed
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.L.WithFields(logrus.Fields{
				logger.FieldRole: name,
				"from":           from.String(),
				"to":             to.String(),
			}).Warn("circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			// Run cancellation is not the worker's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[role] = cb
	return cb
}

// State returns the state of the breaker for role, or closed if none exists yet.
func (r *BreakerRegistry) State(role string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[role]
	r.mu.Unlock()

	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// isBreakerRejection reports whether err came from a breaker refusing the call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
