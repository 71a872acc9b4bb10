package rerun

import "errors"

var (
	// Configuration errors.
	ErrNoTracker          = errors.New("rerun: no tracker configured")
	ErrInvalidConcurrency = errors.New("rerun: concurrency must be at least 1")
	ErrInvalidRetryRounds = errors.New("rerun: retry rounds must not be negative")

	// Run errors.
	ErrNilBatch = errors.New("rerun: nil batch")
)
