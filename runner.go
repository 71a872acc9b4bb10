package rerun

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/rerun/backoff"
	"github.com/xraph/rerun/executor"
	"github.com/xraph/rerun/hook"
	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Option configures a Runner.
type Option func(*Runner) error

// WithTracker sets the completion tracker. Required.
func WithTracker(tr track.Tracker) Option {
	return func(r *Runner) error {
		r.tracker = tr
		return nil
	}
}

// WithExecutor sets the execution strategy. Defaults to a serial
// executor.
func WithExecutor(exec executor.Executor) Option {
	return func(r *Runner) error {
		r.exec = exec
		return nil
	}
}

// WithConfig replaces the runner configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runner) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		r.config = cfg
		return nil
	}
}

// WithHooks sets the extension registry notified of batch lifecycle
// events.
func WithHooks(hooks *hook.Registry) Option {
	return func(r *Runner) error {
		r.hooks = hooks
		return nil
	}
}

// WithBackoff sets the delay strategy between retry rounds.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(r *Runner) error {
		r.backoff = strategy
		return nil
	}
}

// WithLogger sets the structured logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

// Runner coordinates batch runs: it computes the pending set from the
// tracker, drives the executor over it, and merges prior completions
// into the final report.
type Runner struct {
	config  Config
	tracker track.Tracker
	exec    executor.Executor
	hooks   *hook.Registry
	backoff backoff.Strategy
	logger  *slog.Logger
}

// New creates a Runner with the given options. A tracker is required.
func New(opts ...Option) (*Runner, error) {
	r := &Runner{
		config:  DefaultConfig(),
		backoff: backoff.DefaultStrategy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.tracker == nil {
		return nil, ErrNoTracker
	}
	if r.exec == nil {
		r.exec = executor.NewSerial(executor.WithLogger(r.logger))
	}
	if r.hooks == nil {
		r.hooks = hook.NewRegistry(r.logger)
	}
	return r, nil
}

// Tracker returns the runner's tracker.
func (r *Runner) Tracker() track.Tracker { return r.tracker }

// Config returns a copy of the runner's configuration.
func (r *Runner) Config() Config { return r.config }

// RunBatch executes the batch's pending jobs once and returns a report
// covering every job in the batch. Jobs the tracker already records as
// completed are folded in as succeeded without re-execution, so calling
// RunBatch again after an interruption resumes where the previous run
// stopped.
func (r *Runner) RunBatch(ctx context.Context, batch *job.Batch, fn executor.JobFunc) (*job.Report, error) {
	if batch == nil {
		return nil, ErrNilBatch
	}

	runID := id.NewRunID()
	logger := r.logger.With(
		slog.String("run_id", runID.String()),
		slog.String("batch_id", batch.ID()),
	)

	completed, err := r.tracker.ListCompleted(ctx, batch.ID())
	if err != nil {
		return nil, err
	}
	pending := batch.Pending(completed)

	logger.Info("batch run starting",
		slog.Int("total", batch.Len()),
		slog.Int("completed", len(completed)),
		slog.Int("pending", len(pending)),
	)
	r.hooks.EmitBatchStarted(ctx, batch.ID(), batch.Len(), len(pending))

	var rep *job.Report
	if len(pending) == 0 {
		rep = job.NewReport(batch.ID())
		rep.Finish()
	} else {
		var execErr error
		rep, execErr = r.exec.Run(ctx, batch, pending, r.tracker, fn)
		if rep == nil {
			// Executors must return a report; tolerate ones that don't.
			rep = job.NewReport(batch.ID())
		}
		if execErr != nil {
			rep.MergeCompleted(completed)
			r.hooks.EmitBatchCompleted(ctx, rep)
			return rep, execErr
		}
	}

	rep.MergeCompleted(completed)

	logger.Info("batch run finished",
		slog.Int("succeeded", len(rep.Succeeded)),
		slog.Int("failed", len(rep.Failed)),
		slog.Int("executed", rep.Executed),
		slog.Duration("elapsed", rep.Elapsed),
	)
	r.hooks.EmitBatchCompleted(ctx, rep)
	return rep, nil
}

// RunBatchWithRetries runs the batch, then re-runs it up to
// Config.RetryRounds more times while failures remain, sleeping per the
// backoff strategy between rounds. Only jobs that failed are retried;
// completed jobs stay completed.
func (r *Runner) RunBatchWithRetries(ctx context.Context, batch *job.Batch, fn executor.JobFunc) (*job.Report, error) {
	rep, err := r.RunBatch(ctx, batch, fn)
	if err != nil {
		return rep, err
	}

	for round := 1; round <= r.config.RetryRounds && rep.HasFailures(); round++ {
		delay := r.backoff.Delay(round)
		r.logger.Info("retrying failed jobs",
			slog.String("batch_id", batch.ID()),
			slog.Int("round", round),
			slog.Int("remaining", len(rep.Failed)),
			slog.Duration("delay", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return rep, err
		}

		rep, err = r.RunBatch(ctx, batch, fn)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Status returns the tracker's record for one job of the batch.
func (r *Runner) Status(ctx context.Context, batchID, jobID string) (*track.Record, error) {
	return r.tracker.Status(ctx, batchID, jobID)
}

// BatchStatus reports how much of the batch remains: the total job count
// and how many jobs the tracker has not yet recorded as completed.
func (r *Runner) BatchStatus(ctx context.Context, batch *job.Batch) (total, remaining int, err error) {
	if batch == nil {
		return 0, 0, ErrNilBatch
	}
	completed, err := r.tracker.ListCompleted(ctx, batch.ID())
	if err != nil {
		return 0, 0, err
	}
	return batch.Len(), len(batch.Pending(completed)), nil
}

// Close notifies shutdown hooks and closes the tracker. The shutdown
// hooks get at most Config.ShutdownTimeout.
func (r *Runner) Close(ctx context.Context) error {
	if r.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()
	}
	r.hooks.EmitShutdown(ctx)
	return r.tracker.Close()
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
