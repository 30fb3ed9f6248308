// Package history persists submit records in a SQLite database so the
// manager can survive a restart without losing track of how many times a
// (job, task, shard) has been submitted, and which engine job id owns its
// most recent attempt — the durable analogue of the reference's
// ENGINE_SUBMIT log line, parsed back with literal_eval on every read.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Store wraps a SQLite database recording every submission the manager has
// made. WAL mode and a busy timeout are set at open time so the manager's
// dispatch goroutines and any read-only console query can share the file
// without lock contention, following the teacher's own indexstore DSN
// construction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS submits (
	job_id       TEXT NOT NULL,
	task_name    TEXT NOT NULL,
	shard        INTEGER NOT NULL,
	engine_name  TEXT NOT NULL,
	engine_job_id TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	requirements TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submits_lookup ON submits (job_id, task_name, shard);

CREATE TABLE IF NOT EXISTS usage (
	job_id     TEXT NOT NULL,
	task_name  TEXT NOT NULL,
	shard      INTEGER NOT NULL,
	max_mem_gb REAL NOT NULL,
	run_time   REAL NOT NULL,
	exit_code  INTEGER NOT NULL,
	was_oom    INTEGER NOT NULL,
	was_killed INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, task_name, shard)
);
`

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordSubmit appends a submission record. submittedAt and requirementsJSON
// are supplied by the caller since Date.now()-equivalent clock reads
// belong at the manager's tick boundary, not buried in the store.
func (s *Store) RecordSubmit(ctx context.Context, jobID, taskName string, shard int, engineName, engineJobID string, submittedAt time.Time, requirementsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submits (job_id, task_name, shard, engine_name, engine_job_id, submitted_at, requirements)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, taskName, shard, engineName, engineJobID, submittedAt.Unix(), requirementsJSON,
	)
	if err != nil {
		return fmt.Errorf("history: record submit: %w", err)
	}
	return nil
}

// SubmitCount returns how many times (jobID, taskName, shard) has been
// submitted, used by DeriveTaskState against Task.Tries.
func (s *Store) SubmitCount(ctx context.Context, jobID, taskName string, shard int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submits WHERE job_id = ? AND task_name = ? AND shard = ?`,
		jobID, taskName, shard,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: submit count: %w", err)
	}
	return n, nil
}

// LatestEngineJobID returns the most recent engine job id submitted for
// (jobID, taskName, shard), used to correlate a queue-state snapshot back
// to a specific shard.
func (s *Store) LatestEngineJobID(ctx context.Context, jobID, taskName string, shard int) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT engine_job_id FROM submits WHERE job_id = ? AND task_name = ? AND shard = ?
		 ORDER BY submitted_at DESC LIMIT 1`,
		jobID, taskName, shard,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("history: latest engine job id: %w", err)
	}
	return id, true, nil
}

// RecordUsage upserts the most recent resource-usage sample for a shard.
// It is a durable copy for inspection (see LatestUsage); retry escalation
// reads the shard's usage marker file, not this table.
func (s *Store) RecordUsage(ctx context.Context, jobID, taskName string, shard int, maxMemGB, runTime float64, exitCode int, wasOOM, wasKilled bool, recordedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (job_id, task_name, shard, max_mem_gb, run_time, exit_code, was_oom, was_killed, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, task_name, shard) DO UPDATE SET
		   max_mem_gb=excluded.max_mem_gb, run_time=excluded.run_time, exit_code=excluded.exit_code,
		   was_oom=excluded.was_oom, was_killed=excluded.was_killed, recorded_at=excluded.recorded_at`,
		jobID, taskName, shard, maxMemGB, runTime, exitCode, boolToInt(wasOOM), boolToInt(wasKilled), recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("history: record usage: %w", err)
	}
	return nil
}

// LatestUsage returns the most recently recorded usage sample for
// (jobID, taskName, shard), the durable record RecordUsage upserts on every
// resubmission. The second return is false if nothing has been recorded
// yet.
func (s *Store) LatestUsage(ctx context.Context, jobID, taskName string, shard int) (sisjob.ResourceUsage, bool, error) {
	var usage sisjob.ResourceUsage
	var wasOOM, wasKilled int
	err := s.db.QueryRowContext(ctx,
		`SELECT max_mem_gb, run_time, exit_code, was_oom, was_killed FROM usage
		 WHERE job_id = ? AND task_name = ? AND shard = ?`,
		jobID, taskName, shard,
	).Scan(&usage.MaxMemGB, &usage.RunTime, &usage.ExitCode, &wasOOM, &wasKilled)
	if err == sql.ErrNoRows {
		return sisjob.ResourceUsage{}, false, nil
	}
	if err != nil {
		return sisjob.ResourceUsage{}, false, fmt.Errorf("history: latest usage: %w", err)
	}
	usage.WasOOM = wasOOM != 0
	usage.WasKilled = wasKilled != 0
	return usage, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
