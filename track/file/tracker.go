// Package file provides a filesystem-backed Tracker: one directory per
// batch, one marker file per job. Claiming is an exclusive file create
// (O_CREATE|O_EXCL) — the only portable cross-process atomic primitive the
// filesystem offers — so the at-most-one-claim guarantee holds between
// processes sharing the directory, not just goroutines. Terminal markers
// are written to a temp file, fsynced, and renamed into place so a success
// record survives a crash the moment RecordSuccess returns.
//
// Layout under the root directory:
//
//	<root>/<batch id>/<escaped job id>.running   live claim
//	<root>/<batch id>/<escaped job id>.done      terminal, succeeded
//	<root>/<batch id>/<escaped job id>.failed    terminal, failed
//
// Marker content is line-oriented "key: value" pairs (status, attempt,
// owner, started_at, finished_at, error).
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Tracker implements track.Tracker at compile time.
var _ track.Tracker = (*Tracker)(nil)

const (
	suffixRunning = ".running"
	suffixDone    = ".done"
	suffixFailed  = ".failed"
)

// Tracker is a filesystem implementation of track.Tracker.
type Tracker struct {
	root       string
	staleAfter time.Duration
	logger     *slog.Logger
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithStaleClaimThreshold enables reclaiming running markers whose
// modification time is older than d. Zero (the default) disables
// reclamation: a crashed worker's claim then blocks the job until the
// marker is removed by hand.
func WithStaleClaimThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithLogger sets the logger for the tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// New creates a Tracker rooted at dir. Call Migrate to create the
// directory before first use.
func New(dir string, opts ...Option) *Tracker {
	t := &Tracker{
		root:   dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ──────────────────────────────────────────────────
// Tracker interface
// ──────────────────────────────────────────────────

// Claim atomically attempts to take ownership of the job via exclusive
// creation of the running marker.
func (t *Tracker) Claim(_ context.Context, batchID, jobID string, owner id.WorkerID) (track.ClaimResult, error) {
	dir := t.batchDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("rerun/file: create batch dir: %w", err)
	}

	attempt := t.priorAttempt(batchID, jobID)

	res, err := t.acquire(batchID, jobID, owner, attempt+1)
	if err != nil || res != track.ClaimContested {
		return res, err
	}

	// Running marker exists. Reclaim only if it is stale.
	runPath := t.markerPath(batchID, jobID, suffixRunning)
	info, statErr := os.Stat(runPath)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			// Holder finished or crashed between our create and stat;
			// one more attempt, then report contested.
			return t.acquire(batchID, jobID, owner, attempt+1)
		}
		return "", fmt.Errorf("rerun/file: stat running marker: %w", statErr)
	}

	if t.staleAfter <= 0 || time.Since(info.ModTime()) < t.staleAfter {
		return track.ClaimContested, nil
	}

	// Stale claim. Read the abandoned attempt count, remove the marker,
	// and race to recreate it: when several workers reclaim at once the
	// exclusive create still picks exactly one winner.
	if rec, readErr := readMarker(runPath); readErr == nil && rec.Attempt > attempt {
		attempt = rec.Attempt
	}
	if rmErr := os.Remove(runPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return "", fmt.Errorf("rerun/file: remove stale marker: %w", rmErr)
	}

	t.logger.Warn("reclaimed stale running marker",
		slog.String("batch_id", batchID),
		slog.String("job_id", jobID),
		slog.Duration("age", time.Since(info.ModTime())),
	)

	return t.acquire(batchID, jobID, owner, attempt+1)
}

// RecordSuccess durably writes the done marker, then removes the running
// and failed markers. Idempotent.
func (t *Tracker) RecordSuccess(_ context.Context, batchID, jobID string) error {
	rec := t.currentRecord(batchID, jobID)
	now := time.Now().UTC()
	rec.Status = job.StatusSucceeded
	rec.FinishedAt = &now
	rec.Error = ""

	if err := t.writeTerminal(batchID, jobID, suffixDone, rec); err != nil {
		return err
	}

	removeQuiet(t.markerPath(batchID, jobID, suffixRunning))
	removeQuiet(t.markerPath(batchID, jobID, suffixFailed))
	return nil
}

// RecordFailure durably writes the failed marker, then removes the running
// marker.
func (t *Tracker) RecordFailure(_ context.Context, batchID, jobID string, jobErr error) error {
	rec := t.currentRecord(batchID, jobID)
	now := time.Now().UTC()
	rec.Status = job.StatusFailed
	rec.FinishedAt = &now
	if jobErr != nil {
		rec.Error = jobErr.Error()
	}

	if err := t.writeTerminal(batchID, jobID, suffixFailed, rec); err != nil {
		return err
	}

	removeQuiet(t.markerPath(batchID, jobID, suffixRunning))
	return nil
}

// ListCompleted scans the batch directory for done markers.
func (t *Tracker) ListCompleted(_ context.Context, batchID string) (map[string]struct{}, error) {
	completed := make(map[string]struct{})

	entries, err := os.ReadDir(t.batchDir(batchID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No batch directory yet means nothing has completed.
			return completed, nil
		}
		return nil, fmt.Errorf("rerun/file: read batch dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffixDone) {
			continue
		}
		jobID, unescErr := url.PathUnescape(strings.TrimSuffix(name, suffixDone))
		if unescErr != nil {
			t.logger.Warn("skipping unparseable marker", slog.String("file", name))
			continue
		}
		completed[jobID] = struct{}{}
	}
	return completed, nil
}

// Status reads the most authoritative marker for the job:
// done, then running, then failed.
func (t *Tracker) Status(_ context.Context, batchID, jobID string) (*track.Record, error) {
	for _, suffix := range []string{suffixDone, suffixRunning, suffixFailed} {
		rec, err := readMarker(t.markerPath(batchID, jobID, suffix))
		if err == nil {
			rec.BatchID = batchID
			rec.JobID = jobID
			return rec, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, track.ErrNotFound
}

// Migrate creates the root directory.
func (t *Tracker) Migrate(_ context.Context) error {
	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return fmt.Errorf("rerun/file: create root dir: %w", err)
	}
	return nil
}

// Ping verifies the root directory is accessible.
func (t *Tracker) Ping(_ context.Context) error {
	if _, err := os.Stat(t.root); err != nil {
		return fmt.Errorf("rerun/file: ping: %w", err)
	}
	return nil
}

// Close is a no-op for the file tracker.
func (t *Tracker) Close() error { return nil }

// ──────────────────────────────────────────────────
// Claim helpers
// ──────────────────────────────────────────────────

// acquire checks the done marker around the exclusive create. The check
// must bracket the create: RecordSuccess writes the done marker before
// releasing the running marker, so a success that lands between our
// check and a won create is visible on the re-check, and the claim is
// handed back instead of re-executing a finished job.
func (t *Tracker) acquire(batchID, jobID string, owner id.WorkerID, attempt int) (track.ClaimResult, error) {
	donePath := t.markerPath(batchID, jobID, suffixDone)
	if exists(donePath) {
		return track.ClaimAlreadyCompleted, nil
	}

	res, err := t.tryAcquire(batchID, jobID, owner, attempt)
	if err != nil || res != track.ClaimAcquired {
		return res, err
	}

	if exists(donePath) {
		removeQuiet(t.markerPath(batchID, jobID, suffixRunning))
		return track.ClaimAlreadyCompleted, nil
	}
	return track.ClaimAcquired, nil
}

// tryAcquire attempts the exclusive create of the running marker.
// Returns ClaimContested when the marker already exists.
func (t *Tracker) tryAcquire(batchID, jobID string, owner id.WorkerID, attempt int) (track.ClaimResult, error) {
	runPath := t.markerPath(batchID, jobID, suffixRunning)

	f, err := os.OpenFile(runPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return track.ClaimContested, nil
		}
		return "", fmt.Errorf("rerun/file: create running marker: %w", err)
	}

	rec := &track.Record{
		Status:    job.StatusRunning,
		Attempt:   attempt,
		Owner:     owner.String(),
		StartedAt: time.Now().UTC(),
	}
	if _, err := f.WriteString(formatMarker(rec)); err != nil {
		f.Close()
		return "", fmt.Errorf("rerun/file: write running marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("rerun/file: close running marker: %w", err)
	}
	return track.ClaimAcquired, nil
}

// priorAttempt reads the attempt counter from an earlier failed or running
// marker, or zero when the job has never been claimed.
func (t *Tracker) priorAttempt(batchID, jobID string) int {
	for _, suffix := range []string{suffixFailed, suffixRunning} {
		if rec, err := readMarker(t.markerPath(batchID, jobID, suffix)); err == nil {
			return rec.Attempt
		}
	}
	return 0
}

// currentRecord loads the running marker for attempt and start time, or a
// sensible default when a record call arrives without a live claim.
func (t *Tracker) currentRecord(batchID, jobID string) *track.Record {
	if rec, err := readMarker(t.markerPath(batchID, jobID, suffixRunning)); err == nil {
		rec.BatchID = batchID
		rec.JobID = jobID
		return rec
	}
	return &track.Record{
		BatchID:   batchID,
		JobID:     jobID,
		Attempt:   1,
		StartedAt: time.Now().UTC(),
	}
}

// writeTerminal writes a terminal marker through temp file, fsync, rename,
// directory fsync. After it returns the record survives a crash.
func (t *Tracker) writeTerminal(batchID, jobID, suffix string, rec *track.Record) error {
	dir := t.batchDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rerun/file: create batch dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+escapeJobID(jobID)+".tmp-*")
	if err != nil {
		return fmt.Errorf("rerun/file: create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.WriteString(formatMarker(rec)); err != nil {
		tmp.Close()
		return fmt.Errorf("rerun/file: write temp marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("rerun/file: sync temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rerun/file: close temp marker: %w", err)
	}

	if err := os.Rename(tmpName, t.markerPath(batchID, jobID, suffix)); err != nil {
		return fmt.Errorf("rerun/file: rename marker: %w", err)
	}

	return syncDir(dir)
}

// ──────────────────────────────────────────────────
// Paths and marker format
// ──────────────────────────────────────────────────

func (t *Tracker) batchDir(batchID string) string {
	return filepath.Join(t.root, escapeJobID(batchID))
}

func (t *Tracker) markerPath(batchID, jobID, suffix string) string {
	return filepath.Join(t.batchDir(batchID), escapeJobID(jobID)+suffix)
}

// escapeJobID makes an arbitrary id safe as a single path component.
func escapeJobID(jobID string) string {
	return url.PathEscape(jobID)
}

// formatMarker renders a record as "key: value" lines. The error text is
// quoted so multi-line errors stay on one line.
func formatMarker(rec *track.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", rec.Status)
	fmt.Fprintf(&b, "attempt: %d\n", rec.Attempt)
	fmt.Fprintf(&b, "owner: %s\n", rec.Owner)
	fmt.Fprintf(&b, "started_at: %s\n", rec.StartedAt.Format(time.RFC3339Nano))
	if rec.FinishedAt != nil {
		fmt.Fprintf(&b, "finished_at: %s\n", rec.FinishedAt.Format(time.RFC3339Nano))
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", strconv.Quote(rec.Error))
	}
	return b.String()
}

// readMarker parses a marker file back into a record.
func readMarker(path string) (*track.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("rerun/file: read marker: %w", err)
	}

	rec := &track.Record{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		switch key {
		case "status":
			rec.Status = job.Status(value)
		case "attempt":
			if n, convErr := strconv.Atoi(value); convErr == nil {
				rec.Attempt = n
			}
		case "owner":
			rec.Owner = value
		case "started_at":
			if ts, parseErr := time.Parse(time.RFC3339Nano, value); parseErr == nil {
				rec.StartedAt = ts
			}
		case "finished_at":
			if ts, parseErr := time.Parse(time.RFC3339Nano, value); parseErr == nil {
				rec.FinishedAt = &ts
			}
		case "error":
			if unquoted, unqErr := strconv.Unquote(value); unqErr == nil {
				rec.Error = unquoted
			} else {
				rec.Error = value
			}
		}
	}
	return rec, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeQuiet(path string) {
	_ = os.Remove(path)
}

// syncDir fsyncs a directory so a rename is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("rerun/file: open dir for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("rerun/file: sync dir: %w", err)
	}
	return nil
}
