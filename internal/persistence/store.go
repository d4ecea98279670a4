package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/aristath/waverunner/internal/orchestrator"
)

// Store is the run archive.
type Store interface {
	orchestrator.Archiver

	GetRun(ctx context.Context, idOrPrefix string) (*orchestrator.RunReport, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	TaskResults(ctx context.Context, runID string) ([]TaskResultRecord, error)
	TaskAttempts(ctx context.Context, runID, taskID string) ([]TaskAttemptRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// DefaultPath returns the archive location under the user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".waverunner", "runs.db"), nil
}

// NewSQLiteStore opens or creates the archive at dbPath, creating parent
// directories as needed. The database runs in WAL mode with foreign keys on.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := configure(ctx, db, true); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory store for testing. Each call gets its
// own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open memory database")
	}

	if err := configure(ctx, db, false); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

// configure applies connection pragmas. A single connection keeps them (and
// an in-memory database) alive for the lifetime of the store.
func configure(ctx context.Context, db *sqlx.DB, wal bool) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	if wal {
		var journalMode string
		if err := db.GetContext(ctx, &journalMode, "PRAGMA journal_mode"); err != nil {
			return errors.Wrap(err, "failed to query journal mode")
		}
		if strings.ToLower(journalMode) != "wal" {
			return errors.Errorf("WAL mode not enabled. Current mode: %s", journalMode)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
