package rerun_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/rerun"
	"github.com/xraph/rerun/backoff"
	"github.com/xraph/rerun/executor"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
	"github.com/xraph/rerun/track/memory"
)

func mustBatch(t *testing.T, ids ...string) *job.Batch {
	t.Helper()
	b, err := job.NewBatchFromIDs("batch-1", ids)
	if err != nil {
		t.Fatalf("NewBatchFromIDs: %v", err)
	}
	return b
}

func mustRunner(t *testing.T, opts ...rerun.Option) *rerun.Runner {
	t.Helper()
	r, err := rerun.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_RequiresTracker(t *testing.T) {
	if _, err := rerun.New(); !errors.Is(err, rerun.ErrNoTracker) {
		t.Fatalf("New() error = %v, want ErrNoTracker", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := rerun.New(
		rerun.WithTracker(memory.New()),
		rerun.WithConfig(rerun.Config{Concurrency: 0}),
	)
	if !errors.Is(err, rerun.ErrInvalidConcurrency) {
		t.Fatalf("New() error = %v, want ErrInvalidConcurrency", err)
	}
}

func TestRunBatch_NilBatch(t *testing.T) {
	r := mustRunner(t, rerun.WithTracker(memory.New()))
	if _, err := r.RunBatch(context.Background(), nil, nil); !errors.Is(err, rerun.ErrNilBatch) {
		t.Fatalf("RunBatch(nil) error = %v, want ErrNilBatch", err)
	}
}

func TestRunBatch_AllJobsReported(t *testing.T) {
	r := mustRunner(t, rerun.WithTracker(memory.New()))
	b := mustBatch(t, "a", "b", "c")

	rep, err := r.RunBatch(context.Background(), b, func(_ context.Context, _ job.Job) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if len(rep.Succeeded) != 3 || rep.HasFailures() {
		t.Errorf("report: %d succeeded, %d failed, want 3/0", len(rep.Succeeded), len(rep.Failed))
	}
	if rep.Executed != 3 {
		t.Errorf("executed = %d, want 3", rep.Executed)
	}
}

func TestRunBatch_ResumesAfterPartialFailure(t *testing.T) {
	tr := memory.New()
	r := mustRunner(t, rerun.WithTracker(tr))
	b := mustBatch(t, "a", "b", "c")
	ctx := context.Background()

	// First run: b and c fail.
	rep, err := r.RunBatch(ctx, b, func(_ context.Context, j job.Job) error {
		if j.ID != "a" {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}
	if len(rep.Failed) != 2 {
		t.Fatalf("first run: %d failed, want 2", len(rep.Failed))
	}

	// Second run: only b and c execute, and they succeed.
	var executed []string
	rep, err = r.RunBatch(ctx, b, func(_ context.Context, j job.Job) error {
		executed = append(executed, j.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}

	for _, id := range executed {
		if id == "a" {
			t.Error("completed job a was re-executed")
		}
	}
	if len(executed) != 2 {
		t.Errorf("second run executed %v, want b and c only", executed)
	}
	if len(rep.Succeeded) != 3 || rep.HasFailures() {
		t.Errorf("final report: %d succeeded, %d failed, want 3/0", len(rep.Succeeded), len(rep.Failed))
	}
}

func TestRunBatch_FullyCompletedBatchIsNoOp(t *testing.T) {
	tr := memory.New()
	r := mustRunner(t, rerun.WithTracker(tr))
	b := mustBatch(t, "a", "b")
	ctx := context.Background()

	ok := func(_ context.Context, _ job.Job) error { return nil }
	if _, err := r.RunBatch(ctx, b, ok); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}

	rep, err := r.RunBatch(ctx, b, func(_ context.Context, j job.Job) error {
		t.Errorf("job %s executed on a completed batch", j.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}
	if len(rep.Succeeded) != 2 || rep.Executed != 0 {
		t.Errorf("report: %d succeeded, executed %d, want 2 succeeded and 0 executed",
			len(rep.Succeeded), rep.Executed)
	}
}

func TestRunBatch_ParallelExecutor(t *testing.T) {
	r := mustRunner(t,
		rerun.WithTracker(memory.New()),
		rerun.WithExecutor(executor.NewParallel(executor.WithConcurrency(4))),
	)
	b := mustBatch(t, "a", "b", "c", "d", "e", "f")

	var executed atomic.Int64
	rep, err := r.RunBatch(context.Background(), b, func(_ context.Context, _ job.Job) error {
		executed.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if got := executed.Load(); got != 6 {
		t.Errorf("executed = %d, want 6", got)
	}
	if len(rep.Succeeded) != 6 {
		t.Errorf("succeeded = %d, want 6", len(rep.Succeeded))
	}
}

func TestRunBatchWithRetries_RetriesUntilClean(t *testing.T) {
	r := mustRunner(t,
		rerun.WithTracker(memory.New()),
		rerun.WithConfig(rerun.Config{Concurrency: 1, RetryRounds: 3}),
		rerun.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)
	b := mustBatch(t, "a", "b")

	// b fails twice, then succeeds.
	var bAttempts atomic.Int64
	rep, err := r.RunBatchWithRetries(context.Background(), b, func(_ context.Context, j job.Job) error {
		if j.ID == "b" && bAttempts.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatchWithRetries: %v", err)
	}

	if rep.HasFailures() {
		t.Errorf("final report has failures: %v", rep.Failed)
	}
	if got := bAttempts.Load(); got != 3 {
		t.Errorf("b attempts = %d, want 3", got)
	}
}

func TestRunBatchWithRetries_GivesUpAfterRounds(t *testing.T) {
	r := mustRunner(t,
		rerun.WithTracker(memory.New()),
		rerun.WithConfig(rerun.Config{Concurrency: 1, RetryRounds: 2}),
		rerun.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)
	b := mustBatch(t, "a")

	var attempts atomic.Int64
	rep, err := r.RunBatchWithRetries(context.Background(), b, func(_ context.Context, _ job.Job) error {
		attempts.Add(1)
		return errors.New("permanent")
	})
	if err != nil {
		t.Fatalf("RunBatchWithRetries: %v", err)
	}

	// Initial run plus two retry rounds.
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if !rep.HasFailures() {
		t.Error("expected failures to remain in the final report")
	}
}

func TestRunBatchWithRetries_CancelledDuringBackoff(t *testing.T) {
	r := mustRunner(t,
		rerun.WithTracker(memory.New()),
		rerun.WithConfig(rerun.Config{Concurrency: 1, RetryRounds: 5}),
		rerun.WithBackoff(backoff.NewConstant(time.Hour)),
	)
	b := mustBatch(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.RunBatchWithRetries(ctx, b, func(_ context.Context, _ job.Job) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff sleep")
	}
}

func TestStatus_PassesThrough(t *testing.T) {
	tr := memory.New()
	r := mustRunner(t, rerun.WithTracker(tr))
	b := mustBatch(t, "a")
	ctx := context.Background()

	if _, err := r.RunBatch(ctx, b, func(_ context.Context, _ job.Job) error { return nil }); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	rec, err := r.Status(ctx, "batch-1", "a")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != job.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", rec.Status)
	}
}

// nilReportExecutor returns (nil, err), violating the Executor
// contract's non-nil report requirement.
type nilReportExecutor struct{}

func (nilReportExecutor) Run(context.Context, *job.Batch, []job.Job, track.Tracker, executor.JobFunc) (*job.Report, error) {
	return nil, errors.New("executor blew up")
}

func TestRunBatch_ToleratesNilReportFromExecutor(t *testing.T) {
	r := mustRunner(t,
		rerun.WithTracker(memory.New()),
		rerun.WithExecutor(nilReportExecutor{}),
	)
	b := mustBatch(t, "a")

	rep, err := r.RunBatch(context.Background(), b, func(_ context.Context, _ job.Job) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected the executor error to propagate")
	}
	if rep == nil {
		t.Fatal("report is nil; RunBatch must substitute an empty one")
	}
}

func TestBatchStatus_CountsRemaining(t *testing.T) {
	tr := memory.New()
	r := mustRunner(t, rerun.WithTracker(tr))
	b := mustBatch(t, "a", "b", "c")
	ctx := context.Background()

	total, remaining, err := r.BatchStatus(ctx, b)
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if total != 3 || remaining != 3 {
		t.Errorf("before run: total=%d remaining=%d, want 3/3", total, remaining)
	}

	_, err = r.RunBatch(ctx, b, func(_ context.Context, j job.Job) error {
		if j.ID == "c" {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	total, remaining, err = r.BatchStatus(ctx, b)
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if total != 3 || remaining != 1 {
		t.Errorf("after run: total=%d remaining=%d, want 3/1", total, remaining)
	}
}

func TestClose_Idempotent(t *testing.T) {
	r := mustRunner(t, rerun.WithTracker(memory.New()))
	ctx := context.Background()

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
