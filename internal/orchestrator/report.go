package orchestrator

import (
	"errors"
	"time"

	"github.com/aristath/waverunner/internal/scheduler"
)

// RunOutcome classifies a finished run.
type RunOutcome string

const (
	OutcomeSucceeded            RunOutcome = "succeeded"              // Every task succeeded
	OutcomeCompletedWithDefects RunOutcome = "completed-with-defects" // All waves ran, some tasks exhausted
	OutcomeScheduleFailed       RunOutcome = "schedule-failed"        // The plan never passed validation
	OutcomeCancelled            RunOutcome = "cancelled"              // Stopped before the last wave
)

// WaveSummary condenses one wave.
type WaveSummary struct {
	Index          int           `json:"index"`
	Total          int           `json:"total"`
	Succeeded      int           `json:"succeeded"`
	Retried        int           `json:"retried"`   // Tasks that needed more than one attempt
	Exhausted      int           `json:"exhausted"` // Tasks that never succeeded
	FailedAttempts int           `json:"failed_attempts"`
	Duration       time.Duration `json:"duration"`
}

// ExhaustedTask names a task that used up its attempts.
type ExhaustedTask struct {
	TaskID     string         `json:"task_id"`
	Role       scheduler.Role `json:"role"`
	Wave       int            `json:"wave"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error"`
	Dependents []string       `json:"dependents,omitempty"` // Ran without this task's work
}

// RunReport is the aggregated outcome of a run.
type RunReport struct {
	RunID          string          `json:"run_id"`
	PlanName       string          `json:"plan_name,omitempty"`
	Outcome        RunOutcome      `json:"outcome"`
	TotalTasks     int             `json:"total_tasks"`
	Succeeded      int             `json:"succeeded"`
	Exhausted      int             `json:"exhausted"`
	Waves          []WaveSummary   `json:"waves"`
	ExhaustedTasks []ExhaustedTask `json:"exhausted_tasks"`
	NotRun         []string        `json:"not_run,omitempty"` // Tasks of waves skipped by cancellation
	ScheduleErrors []string        `json:"schedule_errors,omitempty"`
	Tasks          []TaskResult    `json:"tasks"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Duration       time.Duration   `json:"duration"`
}

// Aggregate folds wave results into a report. It is pure: the same input
// always yields the same report, and nothing is mutated.
func Aggregate(results []WaveResult) RunReport {
	report := RunReport{
		Waves:          make([]WaveSummary, 0, len(results)),
		ExhaustedTasks: []ExhaustedTask{},
		Tasks:          []TaskResult{},
	}

	for _, wr := range results {
		summary := WaveSummary{
			Index:    wr.Index,
			Total:    len(wr.Tasks),
			Duration: wr.Duration,
		}

		for _, tr := range wr.Tasks {
			report.Tasks = append(report.Tasks, tr)
			summary.FailedAttempts += tr.FailedAttempts()
			if tr.Retried() {
				summary.Retried++
			}
			if tr.Succeeded() {
				summary.Succeeded++
				continue
			}
			summary.Exhausted++
			report.ExhaustedTasks = append(report.ExhaustedTasks, ExhaustedTask{
				TaskID:    tr.TaskID,
				Role:      tr.Role,
				Wave:      wr.Index,
				Attempts:  len(tr.Attempts),
				LastError: tr.Error,
			})
		}

		report.TotalTasks += summary.Total
		report.Succeeded += summary.Succeeded
		report.Exhausted += summary.Exhausted
		report.Waves = append(report.Waves, summary)

		if !wr.Started.IsZero() {
			if report.StartedAt.IsZero() || wr.Started.Before(report.StartedAt) {
				report.StartedAt = wr.Started
			}
			if end := wr.Started.Add(wr.Duration); end.After(report.FinishedAt) {
				report.FinishedAt = end
			}
		}
	}

	if !report.StartedAt.IsZero() {
		report.Duration = report.FinishedAt.Sub(report.StartedAt)
	}

	report.Outcome = OutcomeSucceeded
	if report.Exhausted > 0 {
		report.Outcome = OutcomeCompletedWithDefects
	}
	return report
}

// ScheduleFailedReport builds the report of a run whose plan was rejected.
// Every problem of a *scheduler.ScheduleError is listed.
func ScheduleFailedReport(err error) RunReport {
	report := RunReport{
		Outcome:        OutcomeScheduleFailed,
		Waves:          []WaveSummary{},
		ExhaustedTasks: []ExhaustedTask{},
		Tasks:          []TaskResult{},
	}

	var schedErr *scheduler.ScheduleError
	if errors.As(err, &schedErr) {
		for _, p := range schedErr.Problems() {
			report.ScheduleErrors = append(report.ScheduleErrors, p.Error())
		}
	} else if err != nil {
		report.ScheduleErrors = []string{err.Error()}
	}
	return report
}

// HasDefects reports whether any task failed to succeed or the run did not finish.
func (r *RunReport) HasDefects() bool {
	return r.Outcome != OutcomeSucceeded
}

// Result returns the result of taskID, if it ran.
func (r *RunReport) Result(taskID string) (TaskResult, bool) {
	for _, tr := range r.Tasks {
		if tr.TaskID == taskID {
			return tr, true
		}
	}
	return TaskResult{}, false
}
