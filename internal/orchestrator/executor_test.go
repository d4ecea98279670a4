package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/scheduler"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func mustSchedule(t *testing.T, tasks ...*scheduler.Task) *scheduler.Schedule {
	t.Helper()
	s, err := scheduler.BuildSchedule(tasks)
	if err != nil {
		t.Fatalf("BuildSchedule() failed: %v", err)
	}
	return s
}

// callCounter counts invocations per task.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) inc(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
	return c.calls[id]
}

func (c *callCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func TestRunWave_AllSucceed(t *testing.T) {
	s := mustSchedule(t,
		&scheduler.Task{ID: "c", Role: scheduler.RoleBackend},
		&scheduler.Task{ID: "a", Role: scheduler.RoleFrontend},
		&scheduler.Task{ID: "b", Role: scheduler.RoleDocs},
	)

	exec := NewWaveExecutor(fastPolicy(2))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		return "done " + task.ID, nil
	})

	if wr.Index != 1 || len(wr.Tasks) != 3 {
		t.Fatalf("unexpected wave result: %+v", wr)
	}
	for i, id := range []string{"a", "b", "c"} {
		tr := wr.Tasks[i]
		if tr.TaskID != id {
			t.Errorf("result %d: expected %s, got %s", i, id, tr.TaskID)
		}
		if !tr.Succeeded() || tr.Output != "done "+id || len(tr.Attempts) != 1 {
			t.Errorf("task %s: unexpected result %+v", id, tr)
		}
		task, _ := s.DAG().Get(id)
		if task.Status != scheduler.TaskSucceeded || task.Attempts != 1 {
			t.Errorf("task %s: DAG status %s after %d attempts", id, task.Status, task.Attempts)
		}
	}
}

// TestRunWave_AlwaysFailingTaskIsExhausted verifies an always-failing task is
// invoked MaxRetries+1 times while its siblings still succeed.
func TestRunWave_AlwaysFailingTaskIsExhausted(t *testing.T) {
	s := mustSchedule(t,
		&scheduler.Task{ID: "bad", Role: scheduler.RoleBackend},
		&scheduler.Task{ID: "good1", Role: scheduler.RoleBackend},
		&scheduler.Task{ID: "good2", Role: scheduler.RoleTester},
	)

	calls := newCallCounter()
	exec := NewWaveExecutor(fastPolicy(2))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		n := calls.inc(task.ID)
		if task.ID == "bad" {
			return "", fmt.Errorf("failure on attempt %d", n)
		}
		return "ok", nil
	})

	if got := calls.get("bad"); got != 3 {
		t.Errorf("expected 3 invocations of bad, got %d", got)
	}

	bad := wr.Tasks[0]
	if bad.Status != scheduler.TaskExhausted {
		t.Fatalf("expected bad to be exhausted, got %s", bad.Status)
	}
	if bad.Error != "failure on attempt 3" {
		t.Errorf("expected last error detail, got %q", bad.Error)
	}
	if len(bad.Attempts) != 3 || bad.FailedAttempts() != 3 {
		t.Errorf("expected 3 failed attempts recorded, got %+v", bad.Attempts)
	}

	for _, tr := range wr.Tasks[1:] {
		if !tr.Succeeded() {
			t.Errorf("sibling %s should succeed, got %s", tr.TaskID, tr.Status)
		}
	}

	task, _ := s.DAG().Get("bad")
	if task.Status != scheduler.TaskExhausted || task.Attempts != 3 {
		t.Errorf("DAG: expected exhausted after 3 attempts, got %s after %d", task.Status, task.Attempts)
	}
}

func TestRunWave_ZeroRetries(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "once", Role: scheduler.RoleBackend})

	var calls atomic.Int32
	exec := NewWaveExecutor(fastPolicy(0))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		calls.Add(1)
		return "", errors.New("nope")
	})

	if calls.Load() != 1 {
		t.Errorf("expected exactly one invocation, got %d", calls.Load())
	}
	if wr.Tasks[0].Status != scheduler.TaskExhausted {
		t.Errorf("expected exhausted, got %s", wr.Tasks[0].Status)
	}
}

// TestRunWave_RetryReceivesLastError verifies failure detail flows into the next attempt.
func TestRunWave_RetryReceivesLastError(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "flaky", Role: scheduler.RoleBackend})

	var seen []Attempt
	exec := NewWaveExecutor(fastPolicy(2))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		seen = append(seen, a)
		if a.Number == 1 {
			return "", errors.New("compile error in api.go")
		}
		return "fixed", nil
	})

	if len(seen) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(seen))
	}
	if seen[0].Number != 1 || seen[0].LastErr != nil {
		t.Errorf("first attempt should carry no error: %+v", seen[0])
	}
	if seen[1].Number != 2 || seen[1].LastErr == nil || seen[1].LastErr.Error() != "compile error in api.go" {
		t.Errorf("second attempt should carry the first failure: %+v", seen[1])
	}

	tr := wr.Tasks[0]
	if !tr.Succeeded() || !tr.Retried() || tr.FailedAttempts() != 1 {
		t.Errorf("unexpected result: %+v", tr)
	}
	if tr.Attempts[0].Error == "" || tr.Attempts[1].Error != "" {
		t.Errorf("attempt history wrong: %+v", tr.Attempts)
	}
}

// TestRunWave_TimeoutIgnoringExecutor verifies an executor that ignores ctx
// does not hold the wave past its timeout.
func TestRunWave_TimeoutIgnoringExecutor(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "slow", Role: scheduler.RoleDevOps})

	policy := fastPolicy(1)
	policy.Timeout = 50 * time.Millisecond

	var calls atomic.Int32
	exec := NewWaveExecutor(policy)

	start := time.Now()
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		calls.Add(1)
		time.Sleep(2 * time.Second)
		return "too late", nil
	})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("wave waited %v for an executor that ignores its context", elapsed)
	}
	if calls.Load() != 2 {
		t.Errorf("timeouts should be retried: expected 2 invocations, got %d", calls.Load())
	}

	tr := wr.Tasks[0]
	if tr.Status != scheduler.TaskExhausted {
		t.Fatalf("expected exhausted, got %s", tr.Status)
	}
	var timeoutErr *TimeoutError
	if !errors.As(tr.Err, &timeoutErr) || !errors.Is(tr.Err, ErrTimeout) {
		t.Fatalf("expected TimeoutError, got %v", tr.Err)
	}
	if timeoutErr.TaskID != "slow" || timeoutErr.Attempt != 2 {
		t.Errorf("unexpected timeout detail: %+v", timeoutErr)
	}
}

func TestRunWave_TaskTimeoutOverridesPolicy(t *testing.T) {
	s := mustSchedule(t,
		&scheduler.Task{ID: "patient", Role: scheduler.RoleBackend, Timeout: time.Second},
		&scheduler.Task{ID: "strict", Role: scheduler.RoleBackend},
	)

	policy := fastPolicy(0)
	policy.Timeout = 30 * time.Millisecond

	exec := NewWaveExecutor(policy)
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	if !wr.Tasks[0].Succeeded() {
		t.Errorf("patient task should succeed under its own timeout: %+v", wr.Tasks[0])
	}
	if !errors.Is(wr.Tasks[1].Err, ErrTimeout) {
		t.Errorf("strict task should time out under the policy, got %v", wr.Tasks[1].Err)
	}
}

// TestRunWave_StartsAllTasksTogether verifies there is no concurrency cap
// inside a wave: every task must be running before any can finish.
func TestRunWave_StartsAllTasksTogether(t *testing.T) {
	const n = 12
	tasks := make([]*scheduler.Task, n)
	for i := range tasks {
		tasks[i] = &scheduler.Task{ID: fmt.Sprintf("t%02d", i), Role: scheduler.RoleBackend}
	}
	s := mustSchedule(t, tasks...)

	var started sync.WaitGroup
	started.Add(n)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	exec := NewWaveExecutor(fastPolicy(0))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		started.Done()
		select {
		case <-allStarted:
			return "ok", nil
		case <-time.After(5 * time.Second):
			return "", errors.New("siblings never started")
		}
	})

	for _, tr := range wr.Tasks {
		if !tr.Succeeded() {
			t.Errorf("task %s: %s", tr.TaskID, tr.Error)
		}
	}
}

func TestRunWave_OpenBreakerStopsRetries(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "doomed", Role: scheduler.RoleSecurity})

	breakers := NewBreakerRegistry(BreakerSettings{Threshold: 2, Cooldown: time.Hour})
	var calls atomic.Int32
	exec := NewWaveExecutor(fastPolicy(5), WithBreakers(breakers))

	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		calls.Add(1)
		return "", errors.New("worker down")
	})

	if calls.Load() != 2 {
		t.Errorf("expected 2 invocations before the breaker opened, got %d", calls.Load())
	}

	tr := wr.Tasks[0]
	if tr.Status != scheduler.TaskExhausted {
		t.Fatalf("expected exhausted, got %s", tr.Status)
	}
	if !errors.Is(tr.Err, gobreaker.ErrOpenState) {
		t.Errorf("expected open-breaker error, got %v", tr.Err)
	}
	if len(tr.Attempts) != 3 {
		t.Errorf("expected 2 failures plus 1 rejected attempt, got %d", len(tr.Attempts))
	}
	if breakers.State("security") != gobreaker.StateOpen {
		t.Errorf("expected security breaker open, got %s", breakers.State("security"))
	}
}

func TestRunWave_PanicIsAFailure(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "p", Role: scheduler.RoleBackend})

	exec := NewWaveExecutor(fastPolicy(1))
	wr := exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		if a.Number == 1 {
			panic("nil map write")
		}
		return "recovered", nil
	})

	tr := wr.Tasks[0]
	if !tr.Succeeded() {
		t.Fatalf("expected success on retry, got %+v", tr)
	}
	if !strings.Contains(tr.Attempts[0].Error, "panicked") {
		t.Errorf("expected panic recorded on first attempt, got %q", tr.Attempts[0].Error)
	}
}

func TestRunWave_CancelledContext(t *testing.T) {
	s := mustSchedule(t, &scheduler.Task{ID: "never", Role: scheduler.RoleBackend})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	exec := NewWaveExecutor(fastPolicy(2))
	wr := exec.RunWave(ctx, s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	if calls.Load() != 0 {
		t.Errorf("expected no invocations on a cancelled context, got %d", calls.Load())
	}
	tr := wr.Tasks[0]
	if tr.Status != scheduler.TaskExhausted || !errors.Is(tr.Err, context.Canceled) {
		t.Errorf("expected exhausted with context.Canceled, got %s / %v", tr.Status, tr.Err)
	}
}

func TestRunWave_PublishesEvents(t *testing.T) {
	s := mustSchedule(t,
		&scheduler.Task{ID: "flaky", Role: scheduler.RoleBackend},
		&scheduler.Task{ID: "broken", Role: scheduler.RoleFrontend},
	)

	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicTask, 100)

	exec := NewWaveExecutor(fastPolicy(1), WithEventBus(bus), WithRunID("run-1"))
	exec.RunWave(context.Background(), s, s.Waves[0], func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		if task.ID == "flaky" && a.Number == 2 {
			return "ok", nil
		}
		return "", errors.New("bad")
	})

	counts := make(map[string]int)
	for {
		select {
		case e := <-ch:
			counts[e.EventType()+"/"+e.TaskID()]++
			if started, ok := e.(events.TaskStartedEvent); ok && started.RunID != "run-1" {
				t.Errorf("event missing run ID: %+v", started)
			}
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	want := map[string]int{
		events.EventTypeTaskStarted + "/flaky":    2,
		events.EventTypeTaskRetrying + "/flaky":   1,
		events.EventTypeTaskSucceeded + "/flaky":  1,
		events.EventTypeTaskStarted + "/broken":   2,
		events.EventTypeTaskRetrying + "/broken":  1,
		events.EventTypeTaskExhausted + "/broken": 1,
	}
	for key, n := range want {
		if counts[key] != n {
			t.Errorf("%s: got %d events, want %d", key, counts[key], n)
		}
	}
}
