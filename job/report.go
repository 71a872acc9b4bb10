package job

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report is the outcome of one batch run: every job id in the batch appears
// in exactly one of Succeeded or Failed. Report is not safe for concurrent
// mutation; executors aggregate results on a single goroutine before
// returning it.
type Report struct {
	BatchID   string
	Succeeded map[string]struct{}
	Failed    map[string]string

	// StartedAt and Elapsed cover the run that produced this report.
	StartedAt time.Time
	Elapsed   time.Duration

	// Executed counts jobs this run actually ran (claims acquired), as
	// opposed to jobs skipped because a previous run completed them.
	Executed int
}

// NewReport returns an empty report for the given batch.
func NewReport(batchID string) *Report {
	return &Report{
		BatchID:   batchID,
		Succeeded: make(map[string]struct{}),
		Failed:    make(map[string]string),
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the elapsed time of the run that produced this report.
func (r *Report) Finish() {
	r.Elapsed = time.Since(r.StartedAt)
}

// AddSuccess records jobID as succeeded, clearing any failed entry.
func (r *Report) AddSuccess(jobID string) {
	delete(r.Failed, jobID)
	r.Succeeded[jobID] = struct{}{}
}

// AddFailure records jobID as failed with the given error text. A job id
// already recorded as succeeded stays succeeded.
func (r *Report) AddFailure(jobID, errText string) {
	if _, ok := r.Succeeded[jobID]; ok {
		return
	}
	r.Failed[jobID] = errText
}

// MergeCompleted folds a set of previously-completed job ids into the
// succeeded partition. Used by the coordinator to combine tracker state
// with executor results.
func (r *Report) MergeCompleted(completed map[string]struct{}) {
	for jobID := range completed {
		r.AddSuccess(jobID)
	}
}

// HasFailures reports whether any job failed.
func (r *Report) HasFailures() bool { return len(r.Failed) > 0 }

// SucceededIDs returns the succeeded job ids sorted for deterministic output.
func (r *Report) SucceededIDs() []string {
	ids := make([]string, 0, len(r.Succeeded))
	for jobID := range r.Succeeded {
		ids = append(ids, jobID)
	}
	sort.Strings(ids)
	return ids
}

// FailedIDs returns the failed job ids sorted for deterministic output.
func (r *Report) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for jobID := range r.Failed {
		ids = append(ids, jobID)
	}
	sort.Strings(ids)
	return ids
}

// Summary renders a human-readable conclusion for the run: totals plus
// throughput of the jobs actually executed.
func (r *Report) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "batch %s: %d succeeded, %d failed",
		r.BatchID, len(r.Succeeded), len(r.Failed))

	if r.Executed > 0 && r.Elapsed > 0 {
		perSecond := float64(r.Executed) / r.Elapsed.Seconds()
		fmt.Fprintf(&b, "\n- executed: %d jobs in %.3fs", r.Executed, r.Elapsed.Seconds())
		fmt.Fprintf(&b, "\n- jobs per second: %.2f", perSecond)
		fmt.Fprintf(&b, "\n- jobs per minute: %.2f", perSecond*60)
		fmt.Fprintf(&b, "\n- jobs per hour: %.2f", perSecond*3600)
	}

	for _, jobID := range r.FailedIDs() {
		fmt.Fprintf(&b, "\n- failed %s: %s", jobID, r.Failed[jobID])
	}

	return b.String()
}
