package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/logger"
	"github.com/aristath/waverunner/internal/scheduler"
	"github.com/aristath/waverunner/internal/telemetry"
)

// Archiver stores finished run reports.
type Archiver interface {
	ArchiveRun(ctx context.Context, report *RunReport) error
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	Policy   RetryPolicy
	Exec     ExecFunc         // Runs one attempt of a task (required)
	Breakers *BreakerRegistry // Optional per-role circuit breakers (nil disables)
	EventBus *events.EventBus // Optional event bus (nil disables)
	Archiver Archiver         // Optional report archive (nil disables)
	PlanName string           // Recorded in the report
}

// Runner builds a schedule and runs its waves in order.
type Runner struct {
	config RunnerConfig
}

// NewRunner creates a new runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{config: cfg}
}

// Run validates tasks, executes every wave strictly after the previous one
// finished, and returns the aggregated report.
//
// A plan that fails validation yields a schedule-failed report together with
// the *scheduler.ScheduleError. If ctx is cancelled the remaining waves are
// skipped and the partial report is returned with ctx's error. Task failures
// are never returned as errors; they are part of the report.
func (r *Runner) Run(ctx context.Context, tasks []*scheduler.Task) (*RunReport, error) {
	if r.config.Exec == nil {
		return nil, errors.New("runner: no exec func configured")
	}

	runID := uuid.NewString()
	started := time.Now()
	ctx = logger.WithFields(ctx, logrus.Fields{logger.FieldRunID: runID})
	log := logger.G(ctx)

	var report RunReport
	runErr := telemetry.WithSpan(ctx, "run", func(ctx context.Context) error {
		schedule, err := scheduler.BuildSchedule(tasks)
		if err != nil {
			log.WithError(err).Error("plan rejected")
			report = ScheduleFailedReport(err)
			report.TotalTasks = len(tasks)
			return err
		}

		log.WithFields(logrus.Fields{
			"tasks": schedule.Len(),
			"waves": len(schedule.Waves),
		}).Info("schedule built")

		results, notRun, err := r.runWaves(ctx, runID, schedule)
		report = Aggregate(results)
		for i, ex := range report.ExhaustedTasks {
			report.ExhaustedTasks[i].Dependents = schedule.DAG().Dependents(ex.TaskID)
		}
		if len(notRun) > 0 {
			report.NotRun = notRun
			report.TotalTasks += len(notRun)
		}
		if err != nil {
			report.Outcome = OutcomeCancelled
		}
		return err
	},
		attribute.String("run.id", runID),
		attribute.Int("run.tasks", len(tasks)),
	)

	report.RunID = runID
	report.PlanName = r.config.PlanName
	report.StartedAt = started
	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(started)

	completed := events.RunCompletedEvent{
		RunID:     runID,
		Outcome:   string(report.Outcome),
		Total:     report.TotalTasks,
		Succeeded: report.Succeeded,
		Exhausted: report.Exhausted,
		Duration:  report.Duration,
		Timestamp: report.FinishedAt,
	}
	if runErr != nil {
		completed.Err = runErr.Error()
	}
	r.config.EventBus.Emit(completed)

	log.WithFields(logrus.Fields{
		"outcome":   report.Outcome,
		"succeeded": report.Succeeded,
		"exhausted": report.Exhausted,
		"duration":  report.Duration,
	}).Info("run finished")

	if r.config.Archiver != nil {
		// Archive even when the run was cancelled.
		if err := r.config.Archiver.ArchiveRun(context.WithoutCancel(ctx), &report); err != nil {
			log.WithError(err).Warn("failed to archive run report")
		}
	}

	return &report, runErr
}

// runWaves executes the waves in ascending order. On cancellation it returns
// the IDs of the tasks that never started.
func (r *Runner) runWaves(ctx context.Context, runID string, schedule *scheduler.Schedule) ([]WaveResult, []string, error) {
	executor := NewWaveExecutor(r.config.Policy,
		WithBreakers(r.config.Breakers),
		WithEventBus(r.config.EventBus),
		WithRunID(runID),
	)

	results := make([]WaveResult, 0, len(schedule.Waves))
	for i, w := range schedule.Waves {
		if err := ctx.Err(); err != nil {
			var notRun []string
			for _, skipped := range schedule.Waves[i:] {
				notRun = append(notRun, skipped.TaskIDs...)
			}
			logger.G(ctx).WithField("not_run", len(notRun)).Warn("run cancelled, skipping remaining waves")
			return results, notRun, err
		}

		r.config.EventBus.Emit(events.WaveStartedEvent{
			RunID:     runID,
			Wave:      w.Index,
			TaskIDs:   w.TaskIDs,
			Timestamp: time.Now(),
		})

		var wr WaveResult
		_ = telemetry.WithSpan(ctx, "wave", func(ctx context.Context) error {
			wr = executor.RunWave(ctx, schedule, w, r.config.Exec)
			return nil
		},
			attribute.Int("wave.index", w.Index),
			attribute.Int("wave.tasks", len(w.TaskIDs)),
		)
		results = append(results, wr)

		summary := Aggregate([]WaveResult{wr}).Waves[0]
		r.config.EventBus.Emit(events.WaveCompletedEvent{
			RunID:     runID,
			Wave:      w.Index,
			Total:     summary.Total,
			Succeeded: summary.Succeeded,
			Retried:   summary.Retried,
			Exhausted: summary.Exhausted,
			Duration:  wr.Duration,
			Timestamp: time.Now(),
		})
		logger.G(ctx).WithFields(logrus.Fields{
			logger.FieldWave: w.Index,
			"succeeded":      summary.Succeeded,
			"exhausted":      summary.Exhausted,
		}).Info("wave completed")
	}

	// A cancel during the final wave still counts.
	return results, nil, ctx.Err()
}
