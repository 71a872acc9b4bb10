// Package rerun orchestrates batches of independent jobs with durable
// completion tracking, so interrupted runs resume where they left off.
//
// Rerun is designed as a library, not a service. Import it, configure a
// tracker backend, and hand it a batch and a job function:
//
//	tr := file.New("/var/lib/myjob/state")
//	r, err := rerun.New(
//	    rerun.WithTracker(tr),
//	    rerun.WithExecutor(executor.NewParallel(executor.WithConcurrency(8))),
//	)
//	report, err := r.RunBatch(ctx, batch, processOne)
//
// Re-invoking RunBatch with the same batch skips jobs already recorded
// as completed; only the remainder executes. Several processes may run
// the same batch concurrently against a shared tracker — the tracker's
// claim protocol guarantees each job runs in at most one of them.
//
// # Architecture
//
// The three moving parts are pluggable and independent: a track.Tracker
// persists per-job completion state (file, SQLite, Postgres, Redis, or
// in-memory backends), an executor.Executor decides how the pending
// jobs run (serial or a bounded parallel pool), and the Runner computes
// the pending set, drives the executor, and merges the final report.
//
// Worker and run identifiers use TypeID — type-prefixed, K-sortable,
// UUIDv7-based identifiers.
package rerun
