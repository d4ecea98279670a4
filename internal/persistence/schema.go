package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Times are unix milliseconds, durations milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		plan_name TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		total_tasks INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		exhausted INTEGER NOT NULL,
		waves INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		report TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS task_results (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		role TEXT NOT NULL,
		wave INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_attempts (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id, number),
		FOREIGN KEY (run_id, task_id) REFERENCES task_results(run_id, task_id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
