// Package sqlite provides a SQLite-backed Tracker over database/sql using
// the pure-Go modernc.org/sqlite driver. One row per (batch id, job id),
// guarded by the primary key; the claim is a single conditional upsert, so
// SQLite's writer serialization decides exactly one winner among concurrent
// claimants — including claimants in other processes sharing the database
// file.
//
// Timestamps are stored as integer unix nanoseconds so the stale-claim
// comparison is exact regardless of driver time formatting.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Tracker implements track.Tracker at compile time.
var _ track.Tracker = (*Tracker)(nil)

// Tracker is a SQLite implementation of track.Tracker.
type Tracker struct {
	db         *sql.DB
	ownsDB     bool
	staleAfter time.Duration
	logger     *slog.Logger
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithStaleClaimThreshold enables reclaiming running rows whose started_at
// is older than d. Zero (the default) disables reclamation.
func WithStaleClaimThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithLogger sets the logger for the tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// New creates a Tracker over an existing database handle. The caller owns
// the handle lifecycle; Close is a no-op.
func New(db *sql.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open creates a Tracker over a new connection to the database file at
// path, enabling WAL and a busy timeout for concurrent access. The Tracker
// owns the connection; Close closes it.
func Open(path string, opts ...Option) (*Tracker, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rerun/sqlite: open %s: %w", path, err)
	}

	t := New(db, opts...)
	t.ownsDB = true
	return t, nil
}

// DB returns the underlying handle for advanced usage.
func (t *Tracker) DB() *sql.DB { return t.db }

// ──────────────────────────────────────────────────
// Tracker interface
// ──────────────────────────────────────────────────

// Claim attempts the atomic conditional upsert. Exactly one concurrent
// caller per (batch id, job id) observes an affected row.
func (t *Tracker) Claim(ctx context.Context, batchID, jobID string, owner id.WorkerID) (track.ClaimResult, error) {
	now := time.Now().UTC()
	cutoff := staleCutoff(now, t.staleAfter)

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO rerun_job_status (
			batch_id, job_id, status, attempt, owner, started_at, finished_at, error
		) VALUES (?, ?, 'running', 1, ?, ?, NULL, '')
		ON CONFLICT (batch_id, job_id) DO UPDATE SET
			status = 'running',
			attempt = rerun_job_status.attempt + 1,
			owner = excluded.owner,
			started_at = excluded.started_at,
			finished_at = NULL,
			error = ''
		WHERE rerun_job_status.status IN ('pending', 'failed')
		   OR (rerun_job_status.status = 'running' AND rerun_job_status.started_at <= ?)`,
		batchID, jobID, owner.String(), now.UnixNano(), cutoff,
	)
	if err != nil {
		return "", fmt.Errorf("rerun/sqlite: claim: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rerun/sqlite: claim rows affected: %w", err)
	}
	if rows > 0 {
		return track.ClaimAcquired, nil
	}

	// Lost the conditional update: decide why from the standing row.
	var status string
	err = t.db.QueryRowContext(ctx, `
		SELECT status FROM rerun_job_status WHERE batch_id = ? AND job_id = ?`,
		batchID, jobID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row vanished between upsert and select; treat as contested
			// and let the next run sort it out.
			return track.ClaimContested, nil
		}
		return "", fmt.Errorf("rerun/sqlite: claim status check: %w", err)
	}

	if job.Status(status) == job.StatusSucceeded {
		return track.ClaimAlreadyCompleted, nil
	}
	return track.ClaimContested, nil
}

// RecordSuccess marks the job succeeded. Idempotent.
func (t *Tracker) RecordSuccess(ctx context.Context, batchID, jobID string) error {
	now := time.Now().UTC()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO rerun_job_status (
			batch_id, job_id, status, attempt, owner, started_at, finished_at, error
		) VALUES (?, ?, 'succeeded', 1, '', ?, ?, '')
		ON CONFLICT (batch_id, job_id) DO UPDATE SET
			status = 'succeeded',
			finished_at = excluded.finished_at,
			error = ''`,
		batchID, jobID, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("rerun/sqlite: record success: %w", err)
	}
	return nil
}

// RecordFailure marks the job failed with the given error.
func (t *Tracker) RecordFailure(ctx context.Context, batchID, jobID string, jobErr error) error {
	now := time.Now().UTC()
	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO rerun_job_status (
			batch_id, job_id, status, attempt, owner, started_at, finished_at, error
		) VALUES (?, ?, 'failed', 1, '', ?, ?, ?)
		ON CONFLICT (batch_id, job_id) DO UPDATE SET
			status = 'failed',
			finished_at = excluded.finished_at,
			error = excluded.error
		WHERE rerun_job_status.status != 'succeeded'`,
		batchID, jobID, now.UnixNano(), now.UnixNano(), errText,
	)
	if err != nil {
		return fmt.Errorf("rerun/sqlite: record failure: %w", err)
	}
	return nil
}

// ListCompleted returns the ids of all succeeded jobs in the batch.
func (t *Tracker) ListCompleted(ctx context.Context, batchID string) (map[string]struct{}, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT job_id FROM rerun_job_status
		WHERE batch_id = ? AND status = 'succeeded'`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("rerun/sqlite: list completed: %w", err)
	}
	defer rows.Close()

	completed := make(map[string]struct{})
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("rerun/sqlite: list completed scan: %w", err)
		}
		completed[jobID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rerun/sqlite: list completed rows: %w", err)
	}
	return completed, nil
}

// Status returns the record for one job.
func (t *Tracker) Status(ctx context.Context, batchID, jobID string) (*track.Record, error) {
	var (
		rec           track.Record
		status        string
		startedNanos  int64
		finishedNanos sql.NullInt64
	)

	err := t.db.QueryRowContext(ctx, `
		SELECT status, attempt, owner, started_at, finished_at, error
		FROM rerun_job_status
		WHERE batch_id = ? AND job_id = ?`,
		batchID, jobID,
	).Scan(&status, &rec.Attempt, &rec.Owner, &startedNanos, &finishedNanos, &rec.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, track.ErrNotFound
		}
		return nil, fmt.Errorf("rerun/sqlite: status: %w", err)
	}

	rec.BatchID = batchID
	rec.JobID = jobID
	rec.Status = job.Status(status)
	rec.StartedAt = time.Unix(0, startedNanos).UTC()
	if finishedNanos.Valid {
		finished := time.Unix(0, finishedNanos.Int64).UTC()
		rec.FinishedAt = &finished
	}
	return &rec, nil
}

// Migrate creates the tracking table. Idempotent.
func (t *Tracker) Migrate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rerun_job_status (
			batch_id    TEXT NOT NULL,
			job_id      TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempt     INTEGER NOT NULL DEFAULT 0,
			owner       TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			error       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (batch_id, job_id)
		)`)
	if err != nil {
		return fmt.Errorf("rerun/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (t *Tracker) Ping(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("rerun/sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the handle when the Tracker opened it; otherwise the caller
// owns the lifecycle and Close is a no-op.
func (t *Tracker) Close() error {
	if !t.ownsDB {
		return nil
	}
	return t.db.Close()
}

// staleCutoff returns the started_at bound below which a running row is
// reclaimable. With reclamation disabled the bound predates every possible
// row.
func staleCutoff(now time.Time, staleAfter time.Duration) int64 {
	if staleAfter <= 0 {
		return 0
	}
	return now.Add(-staleAfter).UnixNano()
}
