package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aristath/waverunner/internal/orchestrator"
)

// ErrRunNotFound is returned when no archived run matches an ID.
var ErrRunNotFound = errors.New("run not found")

// ErrAmbiguousRunID is returned when an ID prefix matches several runs.
var ErrAmbiguousRunID = errors.New("ambiguous run id")

// RunRecord is the summary row of an archived run.
type RunRecord struct {
	ID         string `db:"id" json:"id"`
	PlanName   string `db:"plan_name" json:"plan_name"`
	Outcome    string `db:"outcome" json:"outcome"`
	TotalTasks int    `db:"total_tasks" json:"total_tasks"`
	Succeeded  int    `db:"succeeded" json:"succeeded"`
	Exhausted  int    `db:"exhausted" json:"exhausted"`
	Waves      int    `db:"waves" json:"waves"`
	StartedAt  int64  `db:"started_at" json:"-"`
	FinishedAt int64  `db:"finished_at" json:"-"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
}

// Started returns the start time of the run.
func (r RunRecord) Started() time.Time { return fromMillis(r.StartedAt) }

// Duration returns the wall-clock duration of the run.
func (r RunRecord) Duration() time.Duration { return time.Duration(r.DurationMS) * time.Millisecond }

// TaskResultRecord is the stored terminal result of one task.
type TaskResultRecord struct {
	RunID      string `db:"run_id" json:"run_id"`
	TaskID     string `db:"task_id" json:"task_id"`
	Role       string `db:"role" json:"role"`
	Wave       int    `db:"wave" json:"wave"`
	Status     string `db:"status" json:"status"`
	Attempts   int    `db:"attempts" json:"attempts"`
	Output     string `db:"output" json:"output,omitempty"`
	Error      string `db:"error" json:"error,omitempty"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
}

// TaskAttemptRecord is the stored history entry of one attempt.
type TaskAttemptRecord struct {
	RunID      string `db:"run_id" json:"run_id"`
	TaskID     string `db:"task_id" json:"task_id"`
	Number     int    `db:"number" json:"number"`
	Error      string `db:"error" json:"error,omitempty"`
	StartedAt  int64  `db:"started_at" json:"-"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
}

const runColumns = `id, plan_name, outcome, total_tasks, succeeded, exhausted, waves, started_at, finished_at, duration_ms`

// ArchiveRun stores report, replacing any earlier archive of the same run.
func (s *SQLiteStore) ArchiveRun(ctx context.Context, report *orchestrator.RunReport) error {
	if report == nil || report.RunID == "" {
		return errors.New("cannot archive a run without an id")
	}

	blob, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, report.RunID); err != nil {
		return errors.Wrapf(err, "failed to replace run %s", report.RunID)
	}

	run := struct {
		RunRecord
		Report string `db:"report"`
	}{
		RunRecord: RunRecord{
			ID:         report.RunID,
			PlanName:   report.PlanName,
			Outcome:    string(report.Outcome),
			TotalTasks: report.TotalTasks,
			Succeeded:  report.Succeeded,
			Exhausted:  report.Exhausted,
			Waves:      len(report.Waves),
			StartedAt:  toMillis(report.StartedAt),
			FinishedAt: toMillis(report.FinishedAt),
			DurationMS: report.Duration.Milliseconds(),
		},
		Report: string(blob),
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`, report)
		VALUES (:id, :plan_name, :outcome, :total_tasks, :succeeded, :exhausted, :waves,
			:started_at, :finished_at, :duration_ms, :report)`, run); err != nil {
		return errors.Wrapf(err, "failed to insert run %s", report.RunID)
	}

	for _, tr := range report.Tasks {
		if err := insertTaskResult(ctx, tx, report.RunID, tr); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit run")
}

func insertTaskResult(ctx context.Context, tx *sqlx.Tx, runID string, tr orchestrator.TaskResult) error {
	row := TaskResultRecord{
		RunID:      runID,
		TaskID:     tr.TaskID,
		Role:       tr.Role.String(),
		Wave:       tr.Wave,
		Status:     tr.Status.String(),
		Attempts:   len(tr.Attempts),
		Output:     tr.Output,
		Error:      tr.Error,
		DurationMS: tr.Duration.Milliseconds(),
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO task_results (run_id, task_id, role, wave, status, attempts, output, error, duration_ms)
		VALUES (:run_id, :task_id, :role, :wave, :status, :attempts, :output, :error, :duration_ms)`, row); err != nil {
		return errors.Wrapf(err, "failed to insert result of task %s", tr.TaskID)
	}

	for _, a := range tr.Attempts {
		attempt := TaskAttemptRecord{
			RunID:      runID,
			TaskID:     tr.TaskID,
			Number:     a.Number,
			Error:      a.Error,
			StartedAt:  toMillis(a.Started),
			DurationMS: a.Duration.Milliseconds(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO task_attempts (run_id, task_id, number, error, started_at, duration_ms)
			VALUES (:run_id, :task_id, :number, :error, :started_at, :duration_ms)`, attempt); err != nil {
			return errors.Wrapf(err, "failed to insert attempt %d of task %s", a.Number, tr.TaskID)
		}
	}
	return nil
}

// GetRun returns the archived report of a run. idOrPrefix may be a full run
// ID or a prefix matching exactly one run.
func (s *SQLiteStore) GetRun(ctx context.Context, idOrPrefix string) (*orchestrator.RunReport, error) {
	id, err := s.resolveRunID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	var blob string
	if err := s.db.GetContext(ctx, &blob, `SELECT report FROM runs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrRunNotFound, id)
		}
		return nil, errors.Wrapf(err, "failed to load run %s", id)
	}

	var report orchestrator.RunReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, errors.Wrapf(err, "failed to decode run %s", id)
	}
	return &report, nil
}

func (s *SQLiteStore) resolveRunID(ctx context.Context, idOrPrefix string) (string, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return "", errors.Wrap(ErrRunNotFound, "empty run id")
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM runs WHERE id = ? OR substr(id, 1, ?) = ? ORDER BY id LIMIT 2`,
		idOrPrefix, len(idOrPrefix), idOrPrefix); err != nil {
		return "", errors.Wrap(err, "failed to look up run")
	}

	switch {
	case len(ids) == 0:
		return "", errors.Wrap(ErrRunNotFound, idOrPrefix)
	case len(ids) > 1:
		for _, id := range ids {
			if id == idOrPrefix {
				return id, nil
			}
		}
		return "", errors.Wrap(ErrAmbiguousRunID, idOrPrefix)
	}
	return ids[0], nil
}

// ListRuns returns archived runs, newest first. A limit of zero or less
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	runs := []RunRecord{}
	if err := s.db.SelectContext(ctx, &runs,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	return runs, nil
}

// TaskResults returns the stored task results of a run ordered by wave and task ID.
func (s *SQLiteStore) TaskResults(ctx context.Context, runID string) ([]TaskResultRecord, error) {
	results := []TaskResultRecord{}
	if err := s.db.SelectContext(ctx, &results, `
		SELECT run_id, task_id, role, wave, status, attempts, output, error, duration_ms
		FROM task_results WHERE run_id = ? ORDER BY wave, task_id`, runID); err != nil {
		return nil, errors.Wrapf(err, "failed to load task results of run %s", runID)
	}
	return results, nil
}

// TaskAttempts returns the attempt history of one task in a run.
func (s *SQLiteStore) TaskAttempts(ctx context.Context, runID, taskID string) ([]TaskAttemptRecord, error) {
	attempts := []TaskAttemptRecord{}
	if err := s.db.SelectContext(ctx, &attempts, `
		SELECT run_id, task_id, number, error, started_at, duration_ms
		FROM task_attempts WHERE run_id = ? AND task_id = ? ORDER BY number`, runID, taskID); err != nil {
		return nil, errors.Wrapf(err, "failed to load attempts of task %s", taskID)
	}
	return attempts, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
