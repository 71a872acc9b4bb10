// Package executor runs the pending jobs of a batch through a tracker.
// Two strategies are provided: Serial runs jobs one at a time in batch
// order, Parallel fans them out over a bounded worker pool.
//
// Both strategies share the same per-job protocol: claim the job, run
// it through the middleware chain, and record the terminal state. A job
// whose claim is lost is never executed; the claim decides between
// "someone already finished this" and "someone else is running it".
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/rerun/hook"
	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/middleware"
	"github.com/xraph/rerun/track"
)

// JobFunc executes one job's work. It is called only after the job's
// claim has been acquired.
type JobFunc func(ctx context.Context, j job.Job) error

// Executor runs the given pending jobs of a batch and returns a report
// covering exactly those jobs. Jobs already recorded as completed are
// reported as succeeded without re-execution. Run must return a non-nil
// report even alongside a non-nil error: a cancelled or stopped run
// still accounts for every pending job.
type Executor interface {
	Run(ctx context.Context, batch *job.Batch, pending []job.Job, tr track.Tracker, fn JobFunc) (*job.Report, error)
}

// Option configures an executor.
type Option func(*config)

// WithConcurrency sets the worker count for Parallel. Serial ignores
// it. Values below 1 are clamped to 1.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithStopOnFirstFailure makes the executor stop dispatching new jobs
// after the first failure. Jobs already in flight finish normally;
// undispatched jobs are reported as not attempted.
func WithStopOnFirstFailure() Option {
	return func(c *config) { c.stopOnFirstFailure = true }
}

// WithMiddleware replaces the middleware chain jobs run through,
// outermost first. The default chain is Recover → Tracing → Metrics →
// Logging.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) { c.mw = middleware.Chain(mws...) }
}

// WithHooks sets the extension registry notified of job lifecycle
// events.
func WithHooks(hooks *hook.Registry) Option {
	return func(c *config) { c.hooks = hooks }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// config carries the settings and identity shared by both strategies.
// Each executor instance claims under its own worker id.
type config struct {
	concurrency        int
	stopOnFirstFailure bool
	mw                 middleware.Middleware
	hooks              *hook.Registry
	logger             *slog.Logger
	workerID           id.WorkerID
}

func newConfig(opts ...Option) *config {
	c := &config{
		concurrency: 4,
		logger:      slog.Default(),
		workerID:    id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.mw == nil {
		c.mw = middleware.Chain(
			middleware.Recover(c.logger),
			middleware.Tracing(),
			middleware.Metrics(),
			middleware.Logging(c.logger),
		)
	}
	if c.hooks == nil {
		c.hooks = hook.NewRegistry(c.logger)
	}
	return c
}

// Skip reasons surfaced through JobSkipped hooks and failure entries.
const (
	reasonContested   = "claim held by another worker"
	reasonStopped     = "not attempted: stopped after earlier failure"
	reasonCancelled   = "not attempted: run cancelled"
	reasonAlreadyDone = "already completed"
)

// outcome classifies what happened to one pending job.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkippedCompleted
	outcomeFailed
	outcomeNotAttempted
)

// result is the per-job record the strategies fold into the report.
type result struct {
	jobID    string
	outcome  outcome
	reason   string
	executed bool
}

// apply folds the result into the report.
func (r result) apply(rep *job.Report) {
	switch r.outcome {
	case outcomeSucceeded, outcomeSkippedCompleted:
		rep.AddSuccess(r.jobID)
	case outcomeFailed, outcomeNotAttempted:
		rep.AddFailure(r.jobID, r.reason)
	}
	if r.executed {
		rep.Executed++
	}
}

// failed reports whether the job's handler actually failed, as opposed
// to the job being skipped or never dispatched.
func (r result) failed() bool { return r.outcome == outcomeFailed }

// runOne executes the claim/run/record protocol for one job.
func (c *config) runOne(ctx context.Context, batchID string, j job.Job, tr track.Tracker, fn JobFunc) result {
	claim, err := tr.Claim(ctx, batchID, j.ID, c.workerID)
	if err != nil {
		c.logger.Error("claim failed",
			slog.String("batch_id", batchID),
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.hooks.EmitJobFailed(ctx, batchID, j, err)
		return result{jobID: j.ID, outcome: outcomeFailed, reason: "claim: " + err.Error()}
	}

	switch claim {
	case track.ClaimAlreadyCompleted:
		c.logger.Debug("job already completed, skipping",
			slog.String("batch_id", batchID),
			slog.String("job_id", j.ID),
		)
		c.hooks.EmitJobSkipped(ctx, batchID, j, reasonAlreadyDone)
		return result{jobID: j.ID, outcome: outcomeSkippedCompleted}

	case track.ClaimContested:
		c.logger.Debug("job claim contested, skipping",
			slog.String("batch_id", batchID),
			slog.String("job_id", j.ID),
		)
		c.hooks.EmitJobSkipped(ctx, batchID, j, reasonContested)
		return result{jobID: j.ID, outcome: outcomeFailed, reason: reasonContested}
	}

	// Claim acquired. Fetch the attempt number for hooks; failures here
	// are cosmetic and do not block execution.
	attempt := 1
	if rec, statusErr := tr.Status(ctx, batchID, j.ID); statusErr == nil {
		attempt = rec.Attempt
	}
	c.hooks.EmitJobStarted(ctx, batchID, j, attempt)

	start := time.Now()
	jobErr := c.mw(ctx, j, func(ctx context.Context) error {
		return fn(ctx, j)
	})
	elapsed := time.Since(start)

	if jobErr != nil {
		if recErr := tr.RecordFailure(ctx, batchID, j.ID, jobErr); recErr != nil {
			c.logger.Error("record failure failed",
				slog.String("batch_id", batchID),
				slog.String("job_id", j.ID),
				slog.String("error", recErr.Error()),
			)
		}
		c.hooks.EmitJobFailed(ctx, batchID, j, jobErr)
		return result{jobID: j.ID, outcome: outcomeFailed, reason: jobErr.Error(), executed: true}
	}

	if recErr := tr.RecordSuccess(ctx, batchID, j.ID); recErr != nil {
		// The work ran but the completion was not durably recorded, so
		// the next run will execute the job again. Surface it as a
		// failure so the operator knows to re-run.
		c.logger.Error("record success failed",
			slog.String("batch_id", batchID),
			slog.String("job_id", j.ID),
			slog.String("error", recErr.Error()),
		)
		c.hooks.EmitJobFailed(ctx, batchID, j, recErr)
		return result{jobID: j.ID, outcome: outcomeFailed, reason: "record success: " + recErr.Error(), executed: true}
	}

	c.hooks.EmitJobSucceeded(ctx, batchID, j, elapsed)
	return result{jobID: j.ID, outcome: outcomeSucceeded, executed: true}
}

// notAttemptedReason picks the failure entry text for jobs that were
// never dispatched.
func notAttemptedReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return reasonCancelled
	}
	return reasonStopped
}
