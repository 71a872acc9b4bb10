// Package track defines the persistence contract for batch completion
// bookkeeping. A Tracker is the sole source of truth for which jobs of a
// batch have completed: it survives process restart and is readable by a
// different process than the one that wrote it.
//
// All cross-worker coordination happens through Claim, which must be
// linearizable per (batch id, job id) across concurrent callers — whether
// goroutines in one process or separate processes sharing a backend. Each
// backend builds Claim on its native atomic primitive: exclusive file
// creation (file), a conditional upsert guarded by the primary key (sqlite,
// postgres), or an atomic server-side script (redis). Never on an in-process
// lock, because the contract must hold across machines.
package track

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
)

// Tracker errors.
var (
	// ErrNotFound is returned by Status when no record exists for the
	// (batch id, job id) pair.
	ErrNotFound = errors.New("rerun/track: record not found")
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult string

const (
	// ClaimAcquired means the caller now owns the job and must execute it,
	// then call exactly one of RecordSuccess or RecordFailure.
	ClaimAcquired ClaimResult = "acquired"
	// ClaimAlreadyCompleted means a prior run succeeded; skip the job.
	ClaimAlreadyCompleted ClaimResult = "already_completed"
	// ClaimContested means another worker holds a live claim; skip the job.
	ClaimContested ClaimResult = "contested"
)

// Record is the persisted status of one job within one batch.
type Record struct {
	BatchID string
	JobID   string
	Status  job.Status
	// Attempt counts claim acquisitions, starting at 1.
	Attempt int
	// Owner is the worker id string holding or last holding the claim.
	Owner      string
	StartedAt  time.Time
	FinishedAt *time.Time
	// Error is the captured failure text; empty unless Status is failed.
	Error string
}

// Tracker is the durable store of per-job completion status with atomic
// claim semantics. Implementations must be safe for concurrent use.
type Tracker interface {
	// Claim atomically attempts to transition (batchID, jobID) to running
	// on behalf of owner, incrementing the attempt counter.
	//
	// Exactly one of the concurrent callers for a given pair observes
	// ClaimAcquired. A succeeded record yields ClaimAlreadyCompleted. A
	// live running record yields ClaimContested; a running record older
	// than the backend's stale-claim threshold is reclaimable. A failed
	// record is reclaimable — invoking a new run is the explicit retry
	// decision.
	Claim(ctx context.Context, batchID, jobID string, owner id.WorkerID) (ClaimResult, error)

	// RecordSuccess durably marks the job succeeded. Idempotent.
	RecordSuccess(ctx context.Context, batchID, jobID string) error

	// RecordFailure durably marks the job failed with the given error.
	RecordFailure(ctx context.Context, batchID, jobID string, jobErr error) error

	// ListCompleted returns the ids of all jobs in the batch with a
	// durably-committed succeeded status.
	ListCompleted(ctx context.Context, batchID string) (map[string]struct{}, error)

	// Status returns the record for one job, or ErrNotFound.
	Status(ctx context.Context, batchID, jobID string) (*Record, error)

	// Migrate prepares backend storage (directories, tables). Idempotent.
	Migrate(ctx context.Context) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources. Trackers constructed around a
	// caller-owned handle (database pool, redis client) do not close it.
	Close() error
}
