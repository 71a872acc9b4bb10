//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
	"github.com/xraph/rerun/track/postgres"
)

// setupTracker starts a Postgres container and returns a migrated Tracker.
func setupTracker(t *testing.T, opts ...postgres.Option) *postgres.Tracker {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("rerun_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	tr, err := postgres.New(ctx, connStr, opts...)
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := tr.Close(); closeErr != nil {
			t.Logf("close tracker: %v", closeErr)
		}
	})

	if err := tr.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return tr
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	res, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimAcquired {
		t.Fatalf("first Claim = %q, want acquired", res)
	}

	res, err = tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimContested {
		t.Fatalf("second Claim = %q, want contested", res)
	}

	if err := tr.RecordSuccess(ctx, "b1", "j1"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	res, err = tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimAlreadyCompleted {
		t.Fatalf("Claim after success = %q, want already_completed", res)
	}

	completed, err := tr.ListCompleted(ctx, "b1")
	if err != nil {
		t.Fatalf("ListCompleted: %v", err)
	}
	if _, ok := completed["j1"]; !ok {
		t.Errorf("completed missing j1: %v", completed)
	}
}

func TestClaimRaceAtMostOneWinner(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	const racers = 16
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

	var acquired int
	for res := range results {
		if res == track.ClaimAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
}

func TestFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

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

	res, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimAcquired {
		t.Fatalf("Claim after failure = %q, want acquired", res)
	}

	rec, err = tr.Status(ctx, "b1", "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec.Attempt)
	}
}

func TestStaleClaimReclaim(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t, postgres.WithStaleClaimThreshold(time.Minute))

	if _, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Backdate the running row past the threshold.
	if _, err := tr.Pool().Exec(ctx, `
		UPDATE rerun_job_status SET started_at = NOW() - INTERVAL '1 hour'
		WHERE batch_id = 'b1' AND job_id = 'j1'`,
	); err != nil {
		t.Fatalf("backdate row: %v", err)
	}

	res, err := tr.Claim(ctx, "b1", "j1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != track.ClaimAcquired {
		t.Errorf("Claim after threshold = %q, want acquired", res)
	}
}
