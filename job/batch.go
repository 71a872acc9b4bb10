package job

import (
	"errors"
	"fmt"
)

// Batch construction errors. These are configuration errors: they abort
// before any job executes.
var (
	ErrEmptyBatchID = errors.New("rerun/job: batch id must not be empty")
	ErrEmptyJobID   = errors.New("rerun/job: job id must not be empty")
	ErrDuplicateJob = errors.New("rerun/job: duplicate job id in batch")
)

// Batch is a named, ordered collection of jobs. Order is significant only
// for serial execution. A Batch is immutable after construction.
type Batch struct {
	id   string
	jobs []Job
}

// NewBatch validates the job list and returns a Batch. Job ids must be
// non-empty and unique within the batch.
func NewBatch(id string, jobs []Job) (*Batch, error) {
	if id == "" {
		return nil, ErrEmptyBatchID
	}

	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return nil, ErrEmptyJobID
		}
		if _, dup := seen[j.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateJob, j.ID)
		}
		seen[j.ID] = struct{}{}
	}

	copied := make([]Job, len(jobs))
	copy(copied, jobs)

	return &Batch{id: id, jobs: copied}, nil
}

// NewBatchFromIDs builds a Batch of payload-less jobs from a list of ids.
// Useful when the work function derives everything from the job id.
func NewBatchFromIDs(id string, jobIDs []string) (*Batch, error) {
	jobs := make([]Job, len(jobIDs))
	for i, jobID := range jobIDs {
		jobs[i] = Job{ID: jobID}
	}
	return NewBatch(id, jobs)
}

// ID returns the batch id.
func (b *Batch) ID() string { return b.id }

// Len returns the number of jobs in the batch.
func (b *Batch) Len() int { return len(b.jobs) }

// Jobs returns the batch's jobs in order. The returned slice is shared;
// callers must not modify it.
func (b *Batch) Jobs() []Job { return b.jobs }

// Pending returns the jobs whose ids are not in completed, preserving batch
// order. The completed set typically comes from Tracker.ListCompleted.
func (b *Batch) Pending(completed map[string]struct{}) []Job {
	if len(completed) == 0 {
		return b.jobs
	}

	pending := make([]Job, 0, len(b.jobs))
	for _, j := range b.jobs {
		if _, done := completed[j.ID]; !done {
			pending = append(pending, j)
		}
	}
	return pending
}
