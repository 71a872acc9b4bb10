// Package memory provides a fully in-memory Tracker. Safe for concurrent
// access. Intended for unit testing and development; it is the only backend
// that does not survive process restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Tracker implements track.Tracker at compile time.
var _ track.Tracker = (*Tracker)(nil)

// Tracker is an in-memory implementation of track.Tracker.
type Tracker struct {
	mu      sync.Mutex
	records map[recordKey]*track.Record

	staleAfter time.Duration
	now        func() time.Time
}

type recordKey struct {
	batchID string
	jobID   string
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithStaleClaimThreshold enables reclaiming running claims older than d.
// Zero (the default) disables reclamation.
func WithStaleClaimThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a new empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[recordKey]*track.Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Claim atomically attempts to take ownership of the job.
func (t *Tracker) Claim(_ context.Context, batchID, jobID string, owner id.WorkerID) (track.ClaimResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	key := recordKey{batchID, jobID}

	rec, ok := t.records[key]
	if !ok {
		t.records[key] = &track.Record{
			BatchID:   batchID,
			JobID:     jobID,
			Status:    job.StatusRunning,
			Attempt:   1,
			Owner:     owner.String(),
			StartedAt: now,
		}
		return track.ClaimAcquired, nil
	}

	switch rec.Status {
	case job.StatusSucceeded:
		return track.ClaimAlreadyCompleted, nil
	case job.StatusRunning:
		if t.staleAfter <= 0 || now.Sub(rec.StartedAt) < t.staleAfter {
			return track.ClaimContested, nil
		}
	case job.StatusPending, job.StatusFailed:
		// Reclaimable.
	}

	rec.Status = job.StatusRunning
	rec.Attempt++
	rec.Owner = owner.String()
	rec.StartedAt = now
	rec.FinishedAt = nil
	rec.Error = ""

	return track.ClaimAcquired, nil
}

// RecordSuccess marks the job succeeded. Idempotent.
func (t *Tracker) RecordSuccess(_ context.Context, batchID, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	rec := t.getOrCreate(batchID, jobID, now)
	rec.Status = job.StatusSucceeded
	rec.FinishedAt = &now
	rec.Error = ""

	return nil
}

// RecordFailure marks the job failed with the given error.
func (t *Tracker) RecordFailure(_ context.Context, batchID, jobID string, jobErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	rec := t.getOrCreate(batchID, jobID, now)
	rec.Status = job.StatusFailed
	rec.FinishedAt = &now
	if jobErr != nil {
		rec.Error = jobErr.Error()
	}

	return nil
}

// ListCompleted returns the ids of all succeeded jobs in the batch.
func (t *Tracker) ListCompleted(_ context.Context, batchID string) (map[string]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := make(map[string]struct{})
	for key, rec := range t.records {
		if key.batchID == batchID && rec.Status == job.StatusSucceeded {
			completed[key.jobID] = struct{}{}
		}
	}
	return completed, nil
}

// Status returns a copy of the record for one job.
func (t *Tracker) Status(_ context.Context, batchID, jobID string) (*track.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[recordKey{batchID, jobID}]
	if !ok {
		return nil, track.ErrNotFound
	}

	cp := *rec
	if rec.FinishedAt != nil {
		finished := *rec.FinishedAt
		cp.FinishedAt = &finished
	}
	return &cp, nil
}

// Migrate is a no-op for the memory tracker.
func (t *Tracker) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory tracker.
func (t *Tracker) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory tracker.
func (t *Tracker) Close() error { return nil }

// getOrCreate returns the record for the pair, creating a bare one if a
// record call arrives without a prior claim. Caller holds the lock.
func (t *Tracker) getOrCreate(batchID, jobID string, now time.Time) *track.Record {
	key := recordKey{batchID, jobID}
	rec, ok := t.records[key]
	if !ok {
		rec = &track.Record{
			BatchID:   batchID,
			JobID:     jobID,
			Attempt:   1,
			StartedAt: now,
		}
		t.records[key] = rec
	}
	return rec
}
