// Package hook defines the extension system for batch runs.
// Extensions are notified of lifecycle events (batch started, job
// succeeded, job skipped, etc.) and can react to them — progress
// reporting, metrics, audit trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/rerun/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchStarted is called when a run begins, after the pending set has
// been computed.
type BatchStarted interface {
	OnBatchStarted(ctx context.Context, batchID string, total, pending int) error
}

// BatchCompleted is called after a run finishes, with the merged report.
type BatchCompleted interface {
	OnBatchCompleted(ctx context.Context, report *job.Report) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobStarted is called when a worker wins the claim and begins executing
// a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, batchID string, j job.Job, attempt int) error
}

// JobSucceeded is called after a job finishes successfully and the
// success has been recorded.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, batchID string, j job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job's handler returns an error.
type JobFailed interface {
	OnJobFailed(ctx context.Context, batchID string, j job.Job, err error) error
}

// JobSkipped is called when a job is skipped because another worker
// completed it or holds its claim.
type JobSkipped interface {
	OnJobSkipped(ctx context.Context, batchID string, j job.Job, reason string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
