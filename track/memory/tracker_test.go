package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// ──────────────────────────────────────────────────
// Claim semantics
// ──────────────────────────────────────────────────

func TestClaimTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	worker := id.NewWorkerID()

	tests := []struct {
		name  string
		setup func(t *testing.T, tr *Tracker)
		want  track.ClaimResult
	}{
		{
			name:  "fresh job is acquired",
			setup: func(*testing.T, *Tracker) {},
			want:  track.ClaimAcquired,
		},
		{
			name: "succeeded job reports already completed",
			setup: func(t *testing.T, tr *Tracker) {
				if _, err := tr.Claim(ctx, "b1", "j1", worker); err != nil {
					t.Fatalf("claim: %v", err)
				}
				if err := tr.RecordSuccess(ctx, "b1", "j1"); err != nil {
					t.Fatalf("record success: %v", err)
				}
			},
			want: track.ClaimAlreadyCompleted,
		},
		{
			name: "running job is contested",
			setup: func(t *testing.T, tr *Tracker) {
				if _, err := tr.Claim(ctx, "b1", "j1", worker); err != nil {
					t.Fatalf("claim: %v", err)
				}
			},
			want: track.ClaimContested,
		},
		{
			name: "failed job is reclaimable",
			setup: func(t *testing.T, tr *Tracker) {
				if _, err := tr.Claim(ctx, "b1", "j1", worker); err != nil {
					t.Fatalf("claim: %v", err)
				}
				if err := tr.RecordFailure(ctx, "b1", "j1", errors.New("boom")); err != nil {
					t.Fatalf("record failure: %v", err)
				}
			},
			want: track.ClaimAcquired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := New()
			tt.setup(t, tr)

			got, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
			if err != nil {
				t.Fatalf("Claim returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Claim = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaimIncrementsAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()

	for wantAttempt := 1; wantAttempt <= 3; wantAttempt++ {
		res, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if res != track.ClaimAcquired {
			t.Fatalf("Claim = %q, want acquired", res)
		}

		rec, err := tr.Status(ctx, "b1", "j1")
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if rec.Attempt != wantAttempt {
			t.Errorf("attempt = %d, want %d", rec.Attempt, wantAttempt)
		}

		if err := tr.RecordFailure(ctx, "b1", "j1", errors.New("again")); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
}

func TestStaleClaimReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	current := time.Now().UTC()
	clock := func() time.Time { return current }
	tr := New(WithStaleClaimThreshold(time.Minute), WithClock(clock))

	if _, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Fresh claim still contested.
	res, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimContested {
		t.Fatalf("Claim before threshold = %q, want contested", res)
	}

	// Advance past the threshold: claim becomes reclaimable.
	current = current.Add(2 * time.Minute)
	thief := id.NewWorkerID()
	res, err = tr.Claim(ctx, "b1", "j1", thief)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimAcquired {
		t.Fatalf("Claim after threshold = %q, want acquired", res)
	}

	rec, err := tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Owner != thief.String() {
		t.Errorf("owner = %q, want %q", rec.Owner, thief.String())
	}
	if rec.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec.Attempt)
	}
}

func TestClaimRaceAtMostOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()

	const racers = 32
	var wg sync.WaitGroup
	results := make(chan track.ClaimResult, racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Claim(ctx, "b1", "hot", id.NewWorkerID())
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var acquired, contested int
	for res := range results {
		switch res {
		case track.ClaimAcquired:
			acquired++
		case track.ClaimContested:
			contested++
		default:
			t.Errorf("unexpected result %q", res)
		}
	}
	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
	if contested != racers-1 {
		t.Errorf("contested = %d, want %d", contested, racers-1)
	}
}

// ──────────────────────────────────────────────────
// Records and queries
// ──────────────────────────────────────────────────

func TestRecordSuccessIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()

	if _, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.RecordSuccess(ctx, "b1", "j1"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := tr.RecordSuccess(ctx, "b1", "j1"); err != nil {
		t.Fatalf("second RecordSuccess: %v", err)
	}

	rec, err := tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != job.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", rec.Status)
	}
	if rec.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestRecordFailureCapturesError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()

	if _, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.RecordFailure(ctx, "b1", "j1", errors.New("disk full")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	rec, err := tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.Error != "disk full" {
		t.Errorf("error = %q, want %q", rec.Error, "disk full")
	}
}

func TestListCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()
	worker := id.NewWorkerID()

	for _, jobID := range []string{"a", "b", "c"} {
		if _, err := tr.Claim(ctx, "b1", jobID, worker); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	if err := tr.RecordSuccess(ctx, "b1", "a"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := tr.RecordFailure(ctx, "b1", "b", errors.New("boom")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	// "c" stays running.

	// A different batch must not leak in.
	if _, err := tr.Claim(ctx, "b2", "a", worker); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.RecordSuccess(ctx, "b2", "a"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	completed, err := tr.ListCompleted(ctx, "b1")
	if err != nil {
		t.Fatalf("ListCompleted: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("len(completed) = %d, want 1", len(completed))
	}
	if _, ok := completed["a"]; !ok {
		t.Error("completed missing a")
	}
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()
	tr := New()

	_, err := tr.Status(context.Background(), "b1", "missing")
	if !errors.Is(err, track.ErrNotFound) {
		t.Errorf("Status error = %v, want ErrNotFound", err)
	}
}

func TestStatusReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New()

	if _, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	rec, err := tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	rec.Status = job.StatusFailed

	again, err := tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if again.Status != job.StatusRunning {
		t.Error("Status returned shared record, mutation leaked")
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	tr := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return tr.Migrate(ctx) }},
		{"Ping", func() error { return tr.Ping(ctx) }},
		{"Close", func() error { return tr.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}
