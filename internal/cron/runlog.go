package cron

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// RunLog persists cron execution history in a local SQLite database so
// cron.status/cron.runs survive gateway restarts. SQLite (cgo-free driver)
// keeps file-mode deployments dependency-light; Postgres deployments still
// use this for the run log since it is operational telemetry, not state.
type RunLog struct {
	db *sql.DB
}

const runlogSchema = `
CREATE TABLE IF NOT EXISTS cron_runs (
	job_id      TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	attempts    INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs (job_id, started_at DESC);
`

// OpenRunLog opens (creating if needed) the run-log database at path.
func OpenRunLog(path string) (*RunLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cron: open run log: %w", err)
	}
	// One writer at a time; the runner serializes per-job anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(runlogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cron: init run log schema: %w", err)
	}
	return &RunLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *RunLog) Close() error { return l.db.Close() }

// Record inserts one run.
func (l *RunLog) Record(run store.CronRun) error {
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UnixMilli()
	}
	_, err := l.db.Exec(
		`INSERT INTO cron_runs (job_id, run_id, started_at, finished_at, attempts, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.JobID, run.RunID, run.StartedAt.UnixMilli(), finished, run.Attempts, run.Status, run.Error,
	)
	if err != nil {
		return fmt.Errorf("cron: record run: %w", err)
	}
	return nil
}

// Runs returns up to limit runs for jobID, newest first.
func (l *RunLog) Runs(jobID string, limit int) []store.CronRun {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(
		`SELECT job_id, run_id, started_at, finished_at, attempts, status, COALESCE(error, '')
		 FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		slog.Warn("cron: query runs failed", "job", jobID, "error", err)
		return nil
	}
	defer rows.Close()

	var out []store.CronRun
	for rows.Next() {
		var run store.CronRun
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&run.JobID, &run.RunID, &started, &finished, &run.Attempts, &run.Status, &run.Error); err != nil {
			continue
		}
		run.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			run.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, run)
	}
	return out
}
