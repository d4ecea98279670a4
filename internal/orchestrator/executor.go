package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/logger"
	"github.com/aristath/waverunner/internal/scheduler"
	"github.com/aristath/waverunner/internal/telemetry"
)

// Attempt describes one invocation of a task.
type Attempt struct {
	Number  int   // 1-based
	LastErr error // Failure of the previous attempt, nil on the first
}

// ExecFunc runs one attempt of a task. It should honour ctx; when it does
// not, the executor stops waiting for it once the attempt times out.
type ExecFunc func(ctx context.Context, task *scheduler.Task, attempt Attempt) (string, error)

// ErrTimeout is the sentinel behind every *TimeoutError.
var ErrTimeout = errors.New("attempt timed out")

// TimeoutError reports an attempt that outlived its timeout.
type TimeoutError struct {
	TaskID  string
	Attempt int
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q attempt %d timed out after %s", e.TaskID, e.Attempt, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// AttemptRecord is the history entry of one attempt.
type AttemptRecord struct {
	Number   int           `json:"number"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID   string               `json:"task_id"`
	Name     string               `json:"name,omitempty"`
	Role     scheduler.Role       `json:"role"`
	Wave     int                  `json:"wave"`
	Status   scheduler.TaskStatus `json:"status"` // TaskSucceeded or TaskExhausted
	Output   string               `json:"output,omitempty"`
	Error    string               `json:"error,omitempty"` // Last failure detail
	Err      error                `json:"-"`
	Attempts []AttemptRecord      `json:"attempts"`
	Started  time.Time            `json:"started"`
	Duration time.Duration        `json:"duration"`
}

// Succeeded reports whether the task finished successfully.
func (r TaskResult) Succeeded() bool {
	return r.Status == scheduler.TaskSucceeded
}

// Retried reports whether more than one attempt was made.
func (r TaskResult) Retried() bool {
	return len(r.Attempts) > 1
}

// FailedAttempts counts the attempts that ended in an error.
func (r TaskResult) FailedAttempts() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Error != "" {
			n++
		}
	}
	return n
}

// WaveResult holds the terminal results of every task in a wave, sorted by task ID.
type WaveResult struct {
	Index    int
	Tasks    []TaskResult
	Started  time.Time
	Duration time.Duration
}

// WaveExecutor runs the tasks of one wave concurrently under a retry policy.
type WaveExecutor struct {
	policy   RetryPolicy
	breakers *BreakerRegistry
	bus      *events.EventBus
	runID    string
}

// ExecutorOption configures a WaveExecutor.
type ExecutorOption func(*WaveExecutor)

// WithBreakers enables per-role circuit breakers. A nil registry disables them.
func WithBreakers(r *BreakerRegistry) ExecutorOption {
	return func(e *WaveExecutor) { e.breakers = r }
}

// WithEventBus publishes task and progress events on bus.
func WithEventBus(bus *events.EventBus) ExecutorOption {
	return func(e *WaveExecutor) { e.bus = bus }
}

// WithRunID stamps published events with the run they belong to.
func WithRunID(id string) ExecutorOption {
	return func(e *WaveExecutor) { e.runID = id }
}

// NewWaveExecutor creates an executor.
func NewWaveExecutor(policy RetryPolicy, opts ...ExecutorOption) *WaveExecutor {
	e := &WaveExecutor{policy: policy}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunWave starts every task of w at once and returns when all are terminal.
// One task's failure never affects its siblings. Task statuses are recorded
// in the schedule's DAG.
func (e *WaveExecutor) RunWave(ctx context.Context, s *scheduler.Schedule, w scheduler.Wave, fn ExecFunc) WaveResult {
	tasks := s.Tasks(w)
	result := WaveResult{
		Index:   w.Index,
		Tasks:   make([]TaskResult, len(tasks)),
		Started: time.Now(),
	}

	ctx = logger.WithFields(ctx, logrus.Fields{logger.FieldWave: w.Index})

	// No limit: a wave is conflict-free by construction.
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task // per-iteration copies (go directive < 1.22)
		g.Go(func() error {
			result.Tasks[i] = e.runTask(gctx, s.DAG(), task, fn)
			return nil // Failures are data, they must not cancel siblings
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(result.Started)
	return result
}

// runTask drives one task through its attempts until it succeeds or the
// policy gives up.
func (e *WaveExecutor) runTask(ctx context.Context, dag *scheduler.DAG, task *scheduler.Task, fn ExecFunc) TaskResult {
	result := TaskResult{
		TaskID:  task.ID,
		Name:    task.Name,
		Role:    task.Role,
		Wave:    task.Wave,
		Started: time.Now(),
	}

	ctx = logger.WithFields(ctx, logrus.Fields{
		logger.FieldTask: task.ID,
		logger.FieldRole: task.Role.String(),
	})
	log := logger.G(ctx)

	var cb *gobreaker.CircuitBreaker
	if e.breakers != nil {
		cb = e.breakers.Get(task.Role.String())
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.policy.Timeout
	}

	var (
		lastErr error
		output  string
	)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempt := Attempt{Number: len(result.Attempts) + 1, LastErr: lastErr}
		if err := dag.MarkRunning(task.ID); err != nil {
			return backoff.Permanent(err)
		}
		e.bus.Emit(events.TaskStartedEvent{
			RunID:     e.runID,
			ID:        task.ID,
			Name:      task.DisplayName(),
			Role:      task.Role.String(),
			Wave:      task.Wave,
			Attempt:   attempt.Number,
			Timestamp: time.Now(),
		})
		e.publishProgress(dag)

		record := AttemptRecord{Number: attempt.Number, Started: time.Now()}
		var out string
		err := telemetry.WithSpan(ctx, "task.attempt", func(ctx context.Context) error {
			var err error
			out, err = e.attempt(ctx, cb, task, attempt, timeout, fn)
			return err
		},
			attribute.String("task.id", task.ID),
			attribute.String("task.role", task.Role.String()),
			attribute.Int("task.attempt", attempt.Number),
		)
		record.Duration = time.Since(record.Started)

		if err == nil {
			result.Attempts = append(result.Attempts, record)
			output = out
			return nil
		}

		record.Error = err.Error()
		result.Attempts = append(result.Attempts, record)
		lastErr = err
		_ = dag.MarkFailed(task.ID, err)
		log.WithField(logger.FieldAttempt, attempt.Number).WithError(err).Debug("attempt failed")

		if isBreakerRejection(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		log.WithFields(logrus.Fields{
			logger.FieldAttempt: len(result.Attempts),
			"delay":             delay,
		}).WithError(err).Warn("retrying task")
		e.bus.Emit(events.TaskRetryingEvent{
			RunID:     e.runID,
			ID:        task.ID,
			Attempt:   len(result.Attempts),
			Err:       err.Error(),
			Delay:     delay,
			Timestamp: time.Now(),
		})
	}

	err := backoff.RetryNotify(operation, e.policy.newBackOff(ctx), notify)
	result.Duration = time.Since(result.Started)

	if err == nil {
		result.Status = scheduler.TaskSucceeded
		result.Output = output
		_ = dag.MarkSucceeded(task.ID, output)
		log.WithField("attempts", len(result.Attempts)).Info("task succeeded")
		e.bus.Emit(events.TaskSucceededEvent{
			RunID:     e.runID,
			ID:        task.ID,
			Output:    output,
			Attempts:  len(result.Attempts),
			Duration:  result.Duration,
			Timestamp: time.Now(),
		})
		e.publishProgress(dag)
		return result
	}

	// Report the last real failure rather than a cancelled backoff wait.
	if lastErr == nil {
		lastErr = err
	}
	result.Status = scheduler.TaskExhausted
	result.Err = lastErr
	result.Error = lastErr.Error()
	_ = dag.MarkExhausted(task.ID, lastErr)
	log.WithField("attempts", len(result.Attempts)).WithError(lastErr).Error("task exhausted")
	e.bus.Emit(events.TaskExhaustedEvent{
		RunID:     e.runID,
		ID:        task.ID,
		Attempts:  len(result.Attempts),
		Err:       result.Error,
		Duration:  result.Duration,
		Timestamp: time.Now(),
	})
	e.publishProgress(dag)
	return result
}

// attempt runs fn once, through the role's breaker when there is one.
func (e *WaveExecutor) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker, task *scheduler.Task, a Attempt, timeout time.Duration, fn ExecFunc) (string, error) {
	if cb == nil {
		return invoke(ctx, task, a, timeout, fn)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return invoke(ctx, task, a, timeout, fn)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// invoke calls fn under the attempt timeout. fn runs on its own goroutine so
// an implementation that ignores ctx cannot hold the wave past its timeout.
func invoke(ctx context.Context, task *scheduler.Task, a Attempt, timeout time.Duration, fn ExecFunc) (string, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task %q panicked: %v", task.ID, r)}
			}
		}()
		out, err := fn(actx, task, a)
		done <- outcome{out: out, err: err}
	}()

	timedOut := func() error {
		return &TimeoutError{TaskID: task.ID, Attempt: a.Number, After: timeout}
	}

	select {
	case o := <-done:
		if o.err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return o.out, timedOut()
		}
		return o.out, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", timedOut()
	}
}

func (e *WaveExecutor) publishProgress(dag *scheduler.DAG) {
	if e.bus == nil {
		return
	}
	p := dag.Progress()
	e.bus.Emit(events.RunProgressEvent{
		RunID:     e.runID,
		Total:     p.Total,
		Pending:   p.Pending,
		Running:   p.Running,
		Failed:    p.Failed,
		Succeeded: p.Succeeded,
		Exhausted: p.Exhausted,
		Timestamp: time.Now(),
	})
}
