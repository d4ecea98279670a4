package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/scheduler"
)

// recordingArchiver keeps every archived report.
type recordingArchiver struct {
	mu      sync.Mutex
	reports []*RunReport
	err     error
}

func (a *recordingArchiver) ArchiveRun(ctx context.Context, report *RunReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	return a.err
}

// timeline records when each task started and finished.
type timeline struct {
	mu       sync.Mutex
	started  map[string]time.Time
	finished map[string]time.Time
}

func newTimeline() *timeline {
	return &timeline{started: make(map[string]time.Time), finished: make(map[string]time.Time)}
}

func (tl *timeline) exec(work time.Duration, fail map[string]bool) ExecFunc {
	return func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
		tl.mu.Lock()
		if _, ok := tl.started[task.ID]; !ok {
			tl.started[task.ID] = time.Now()
		}
		tl.mu.Unlock()

		time.Sleep(work)

		tl.mu.Lock()
		tl.finished[task.ID] = time.Now()
		tl.mu.Unlock()

		if fail[task.ID] {
			return "", errors.New("tests failed")
		}
		return "ok", nil
	}
}

func planTasks() []*scheduler.Task {
	return []*scheduler.Task{
		{ID: "T1", Role: scheduler.RoleDatabase, Resources: []string{"schema.sql"}},
		{ID: "T2", Role: scheduler.RoleBackend, DependsOn: []string{"T1"}, Resources: []string{"api.go"}},
		{ID: "T3", Role: scheduler.RoleDatabase, Resources: []string{"schema.sql"}},
		{ID: "T4", Role: scheduler.RoleTester, DependsOn: []string{"T2"}},
	}
}

// TestRunnerWaveOrdering verifies a wave starts only after every task of the
// previous wave is terminal.
func TestRunnerWaveOrdering(t *testing.T) {
	tl := newTimeline()
	runner := NewRunner(RunnerConfig{
		Policy: fastPolicy(2),
		Exec:   tl.exec(20*time.Millisecond, nil),
	})

	report, err := runner.Run(context.Background(), planTasks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Outcome != OutcomeSucceeded {
		t.Errorf("expected succeeded, got %s", report.Outcome)
	}
	if report.TotalTasks != 4 || report.Succeeded != 4 {
		t.Errorf("unexpected totals: %+v", report)
	}
	if len(report.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(report.Waves))
	}
	if report.RunID == "" {
		t.Error("expected a run ID")
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, later := range []string{"T2", "T3"} {
		if tl.started[later].Before(tl.finished["T1"]) {
			t.Errorf("%s started before T1 finished", later)
		}
	}
	for _, earlier := range []string{"T2", "T3"} {
		if tl.started["T4"].Before(tl.finished[earlier]) {
			t.Errorf("T4 started before %s finished", earlier)
		}
	}
}

func TestRunnerExhaustedTaskDoesNotStopRun(t *testing.T) {
	tl := newTimeline()
	runner := NewRunner(RunnerConfig{
		Policy: fastPolicy(2),
		Exec:   tl.exec(0, map[string]bool{"T2": true}),
	})

	report, err := runner.Run(context.Background(), planTasks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Outcome != OutcomeCompletedWithDefects {
		t.Errorf("expected completed-with-defects, got %s", report.Outcome)
	}
	if len(report.ExhaustedTasks) != 1 || report.ExhaustedTasks[0].TaskID != "T2" {
		t.Fatalf("expected T2 exhausted, got %+v", report.ExhaustedTasks)
	}
	if report.ExhaustedTasks[0].LastError != "tests failed" || report.ExhaustedTasks[0].Attempts != 3 {
		t.Errorf("unexpected exhausted detail: %+v", report.ExhaustedTasks[0])
	}

	if got := report.ExhaustedTasks[0].Dependents; len(got) != 1 || got[0] != "T4" {
		t.Errorf("expected T4 listed as dependent of T2, got %v", got)
	}

	// Dependents of an exhausted task still run.
	if tr, ok := report.Result("T4"); !ok || !tr.Succeeded() {
		t.Errorf("expected T4 to run and succeed, got %+v", tr)
	}
}

func TestRunnerScheduleFailure(t *testing.T) {
	archiver := &recordingArchiver{}
	var calls int
	runner := NewRunner(RunnerConfig{
		Policy:   fastPolicy(2),
		Archiver: archiver,
		Exec: func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
			calls++
			return "", nil
		},
	})

	report, err := runner.Run(context.Background(), []*scheduler.Task{
		{ID: "A", Role: scheduler.RoleBackend, DependsOn: []string{"B"}},
		{ID: "B", Role: scheduler.RoleBackend, DependsOn: []string{"A"}},
	})

	var schedErr *scheduler.ScheduleError
	if !errors.As(err, &schedErr) || !errors.Is(err, scheduler.ErrCyclicDependency) {
		t.Fatalf("expected ScheduleError with cycle, got %v", err)
	}
	if report == nil || report.Outcome != OutcomeScheduleFailed {
		t.Fatalf("expected schedule-failed report, got %+v", report)
	}
	if len(report.ScheduleErrors) != 1 {
		t.Errorf("expected 1 schedule error, got %v", report.ScheduleErrors)
	}
	if calls != 0 {
		t.Errorf("no task may run when the plan is invalid, got %d calls", calls)
	}
	if len(archiver.reports) != 1 || archiver.reports[0].RunID != report.RunID {
		t.Errorf("expected failed run to be archived, got %d reports", len(archiver.reports))
	}
}

func TestRunnerCancellationSkipsRemainingWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	ran := make(map[string]bool)
	runner := NewRunner(RunnerConfig{
		Policy: fastPolicy(0),
		Exec: func(ctx context.Context, task *scheduler.Task, a Attempt) (string, error) {
			mu.Lock()
			ran[task.ID] = true
			mu.Unlock()
			if task.ID == "T1" {
				cancel()
			}
			return "ok", nil
		},
	})

	report, err := runner.Run(ctx, planTasks())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled outcome, got %s", report.Outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ran["T1"] || ran["T2"] || ran["T3"] || ran["T4"] {
		t.Errorf("only wave 1 should have run, got %v", ran)
	}
	if len(report.NotRun) != 3 {
		t.Errorf("expected 3 tasks not run, got %v", report.NotRun)
	}
	if report.TotalTasks != 4 {
		t.Errorf("expected 4 total tasks, got %d", report.TotalTasks)
	}
}

func TestRunnerPublishesRunEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	waveCh := bus.Subscribe(events.TopicWave, 100)
	runCh := bus.Subscribe(events.TopicRun, 1000)

	archiver := &recordingArchiver{err: errors.New("disk full")}
	runner := NewRunner(RunnerConfig{
		Policy:   fastPolicy(0),
		Exec:     newTimeline().exec(0, nil),
		EventBus: bus,
		Archiver: archiver,
		PlanName: "demo",
	})

	report, err := runner.Run(context.Background(), planTasks())
	if err != nil {
		t.Fatalf("archive failures must not fail the run: %v", err)
	}
	if report.PlanName != "demo" {
		t.Errorf("expected plan name on report, got %q", report.PlanName)
	}

	var started, completed int
	for len(waveCh) > 0 {
		switch (<-waveCh).(type) {
		case events.WaveStartedEvent:
			started++
		case events.WaveCompletedEvent:
			completed++
		}
	}
	if started != 3 || completed != 3 {
		t.Errorf("expected 3 wave start/complete events, got %d/%d", started, completed)
	}

	var final *events.RunCompletedEvent
	for len(runCh) > 0 {
		if e, ok := (<-runCh).(events.RunCompletedEvent); ok {
			final = &e
		}
	}
	if final == nil {
		t.Fatal("expected a RunCompletedEvent")
	}
	if final.RunID != report.RunID || final.Outcome != string(OutcomeSucceeded) || final.Total != 4 {
		t.Errorf("unexpected completion event: %+v", final)
	}
	if len(archiver.reports) != 1 {
		t.Errorf("expected one archive attempt, got %d", len(archiver.reports))
	}
}

func TestRunnerRequiresExecFunc(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{}).Run(context.Background(), nil); err == nil {
		t.Error("expected error without an exec func")
	}
}
