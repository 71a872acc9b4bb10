package executor

import (
	"context"

	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Serial implements Executor at compile time.
var _ Executor = (*Serial)(nil)

// Serial runs pending jobs one at a time, in batch order.
type Serial struct {
	cfg *config
}

// NewSerial creates a serial executor.
func NewSerial(opts ...Option) *Serial {
	return &Serial{cfg: newConfig(opts...)}
}

// WorkerID returns the executor's claim identity.
func (s *Serial) WorkerID() string { return s.cfg.workerID.String() }

// Run executes the pending jobs in order. A cancelled context or, with
// stop-on-first-failure, a failed job stops dispatch; the remaining
// jobs are reported as not attempted.
func (s *Serial) Run(ctx context.Context, batch *job.Batch, pending []job.Job, tr track.Tracker, fn JobFunc) (*job.Report, error) {
	rep := job.NewReport(batch.ID())
	stopped := false

	for _, j := range pending {
		if stopped || ctx.Err() != nil {
			result{jobID: j.ID, outcome: outcomeNotAttempted, reason: notAttemptedReason(ctx)}.apply(rep)
			continue
		}

		res := s.cfg.runOne(ctx, batch.ID(), j, tr, fn)
		res.apply(rep)

		if res.failed() && s.cfg.stopOnFirstFailure {
			stopped = true
		}
	}

	rep.Finish()
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}
