package job

// Status represents the lifecycle state of a job within a batch.
type Status string

const (
	// StatusPending means no worker has claimed the job yet.
	StatusPending Status = "pending"
	// StatusRunning means a worker currently holds the claim for the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the job finished successfully. Terminal: a
	// succeeded job is never executed again.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the most recent attempt failed. A failed job is
	// eligible for another attempt on a subsequent run.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state for a single attempt.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Job is one unit of work. ID must be stable across runs and unique within
// its batch; it is the key under which the tracker records completion.
// Payload is opaque to the coordinator and executors — it is handed to the
// caller's work function untouched.
type Job struct {
	ID      string
	Payload any
}
