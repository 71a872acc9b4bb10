package rerun

import "time"

// Config holds configuration for a Runner.
type Config struct {
	// Concurrency is the worker count for parallel execution. A value
	// of 1 selects serial execution in the CLI.
	Concurrency int

	// StopOnFirstFailure stops dispatching new jobs after the first
	// handler failure.
	StopOnFirstFailure bool

	// RetryRounds is how many times RunBatchWithRetries re-runs the
	// remaining failures after the initial run. Zero means a single
	// run.
	RetryRounds int

	// JobTimeout bounds each job's execution. Zero disables the
	// deadline.
	JobTimeout time.Duration

	// StaleClaimThreshold is how long a running claim may go without
	// finishing before another worker may take it over. Zero disables
	// takeover; a crashed worker's jobs then wait for the claim to be
	// released manually or for a fresh batch id.
	StaleClaimThreshold time.Duration

	// ShutdownTimeout is the maximum time Close waits for extensions
	// to finish their shutdown hooks.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     1,
		RetryRounds:     0,
		JobTimeout:      0,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration for impossible values.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.RetryRounds < 0 {
		return ErrInvalidRetryRounds
	}
	return nil
}
