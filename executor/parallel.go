package executor

import (
	"context"
	"sync"

	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Parallel implements Executor at compile time.
var _ Executor = (*Parallel)(nil)

// Parallel runs pending jobs over a bounded pool of worker goroutines.
// Completion order is not the batch order; the report is the same
// either way.
type Parallel struct {
	cfg *config
}

// NewParallel creates a parallel executor. Concurrency defaults to 4;
// set it with WithConcurrency.
func NewParallel(opts ...Option) *Parallel {
	return &Parallel{cfg: newConfig(opts...)}
}

// WorkerID returns the executor's claim identity. All goroutines of one
// executor claim under the same id.
func (p *Parallel) WorkerID() string { return p.cfg.workerID.String() }

// Run fans the pending jobs out to the worker pool and aggregates
// results. Cancellation is cooperative: in-flight jobs finish, jobs not
// yet dispatched are reported as not attempted. With
// stop-on-first-failure, the first handler failure stops dispatch the
// same way.
func (p *Parallel) Run(ctx context.Context, batch *job.Batch, pending []job.Job, tr track.Tracker, fn JobFunc) (*job.Report, error) {
	rep := job.NewReport(batch.ID())
	if len(pending) == 0 {
		rep.Finish()
		return rep, ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job.Job, 2*p.cfg.concurrency)
	results := make(chan result, 2*p.cfg.concurrency)

	var wg sync.WaitGroup
	for range p.cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if runCtx.Err() != nil {
					results <- result{jobID: j.ID, outcome: outcomeNotAttempted, reason: notAttemptedReason(ctx)}
					continue
				}
				// Run under the parent context so a stop only halts
				// dispatch, not handlers already in flight.
				results <- p.cfg.runOne(ctx, batch.ID(), j, tr, fn)
			}
		}()
	}

	// Feed every pending job; workers drain the channel even after a
	// stop, so this never blocks indefinitely and the result count is
	// exactly len(pending).
	go func() {
		defer close(jobs)
		for _, j := range pending {
			jobs <- j
		}
	}()

	for range pending {
		res := <-results
		res.apply(rep)
		if res.failed() && p.cfg.stopOnFirstFailure {
			cancel()
		}
	}
	wg.Wait()

	rep.Finish()
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}
