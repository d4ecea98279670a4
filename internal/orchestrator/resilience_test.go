package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.MaxRetries != 2 {
		t.Errorf("expected MaxRetries 2, got %d", p.MaxRetries)
	}
	if p.MaxAttempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.MaxAttempts())
	}
	if p.Timeout != 0 {
		t.Errorf("expected no default timeout, got %v", p.Timeout)
	}
}

// TestRetryPolicy_BackOffStopsAfterMaxRetries verifies the delay schedule
// allows exactly MaxRetries retries.
func TestRetryPolicy_BackOffStopsAfterMaxRetries(t *testing.T) {
	tests := []struct {
		maxRetries int
		want       int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{5, 5},
		{-3, 0},
	}

	for _, tt := range tests {
		p := RetryPolicy{MaxRetries: tt.maxRetries, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
		b := p.newBackOff(context.Background())

		delays := 0
		for b.NextBackOff() != backoff.Stop {
			delays++
			if delays > 100 {
				t.Fatalf("MaxRetries=%d: backoff never stopped", tt.maxRetries)
			}
		}
		if delays != tt.want {
			t.Errorf("MaxRetries=%d: got %d retries, want %d", tt.maxRetries, delays, tt.want)
		}
		if got := p.MaxAttempts(); got != tt.want+1 {
			t.Errorf("MaxRetries=%d: MaxAttempts() = %d, want %d", tt.maxRetries, got, tt.want+1)
		}
	}
}

func TestRetryPolicy_BackOffHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := DefaultRetryPolicy().newBackOff(ctx)
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("expected Stop on cancelled context, got %v", d)
	}
}

func TestRetryPolicy_BackOffCapsInterval(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:      10,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      4,
	}
	b := p.newBackOff(context.Background())

	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			t.Fatalf("stopped early at retry %d", i+1)
		}
		if d > 20*time.Millisecond {
			t.Errorf("retry %d: delay %v exceeds MaxInterval", i+1, d)
		}
	}
}

func TestBreakerRegistry_PerRole(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{})

	a := r.Get("backend")
	b := r.Get("backend")
	c := r.Get("frontend")

	if a != b {
		t.Error("expected the same breaker for the same role")
	}
	if a == c {
		t.Error("expected different breakers for different roles")
	}
	if r.settings != DefaultBreakerSettings() {
		t.Errorf("expected defaults to fill zero settings, got %+v", r.settings)
	}
}

func TestBreakerRegistry_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{Threshold: 3, Cooldown: time.Hour})
	cb := r.Get("tester")
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i+1, err)
		}
	}

	if state := r.State("tester"); state != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", state)
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if !isBreakerRejection(err) {
		t.Errorf("expected breaker rejection, got %v", err)
	}

	if state := r.State("docs"); state != gobreaker.StateClosed {
		t.Errorf("unused role should report closed, got %s", state)
	}
}

func TestBreakerRegistry_CancellationIsNotAFailure(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{Threshold: 1, Cooldown: time.Hour})
	cb := r.Get("devops")

	_, _ = cb.Execute(func() (interface{}, error) { return nil, context.Canceled })

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("cancellation tripped the breaker: %s", state)
	}
}
