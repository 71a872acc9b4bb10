// Package redis provides a Redis-backed Tracker for high-throughput
// workloads where many workers share one coordination point. The claim
// runs as a Lua script, so Redis's single-threaded execution decides
// exactly one winner among concurrent claimants.
//
// Records are stored as Hashes, one per (batch id, job id), and each
// batch keeps a Set of succeeded job ids so ListCompleted is a single
// SMEMBERS call.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	tr := redis.New(client)
//	if err := tr.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/rerun/id"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/track"
)

// Ensure Tracker implements track.Tracker at compile time.
var _ track.Tracker = (*Tracker)(nil)

const keyPrefix = "rerun:"

// recordKey returns the Hash key for one job record: rerun:record:{batch}:{job}
func recordKey(batchID, jobID string) string {
	return keyPrefix + "record:" + batchID + ":" + jobID
}

// doneKey returns the Set key of succeeded job ids: rerun:done:{batch}
func doneKey(batchID string) string {
	return keyPrefix + "done:" + batchID
}

// claimScript implements the claim decision atomically. It returns one of
// the track.ClaimResult strings. Timestamps are unix nanoseconds so the
// stale comparison is plain arithmetic.
var claimScript = goredis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])

local status = redis.call('HGET', key, 'status')
if status == 'succeeded' then
	return 'already_completed'
end
if status == 'running' then
	local started = tonumber(redis.call('HGET', key, 'started_at'))
	if stale == 0 or started == nil or (now - started) < stale then
		return 'contested'
	end
end

local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0') + 1
redis.call('HSET', key,
	'status', 'running',
	'attempt', attempt,
	'owner', owner,
	'started_at', now,
	'finished_at', '',
	'error', '')
return 'acquired'
`)

// failScript writes the failed status unless a success is already
// recorded. An HSETNX-style guard is not enough: only non-succeeded
// records may be overwritten, atomically.
var failScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'succeeded' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'finished_at', ARGV[1], 'error', ARGV[2])
return 1
`)

// Option configures the Tracker.
type Option func(*Tracker)

// WithStaleClaimThreshold enables reclaiming running records whose
// started_at is older than d. Zero (the default) disables reclamation.
func WithStaleClaimThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithLogger sets the logger for the tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// Tracker is a Redis implementation of track.Tracker.
type Tracker struct {
	client     goredis.UniversalClient
	staleAfter time.Duration
	logger     *slog.Logger
}

// New creates a Tracker over an existing Redis client. The caller owns
// the client lifecycle; Close is a no-op.
func New(client goredis.UniversalClient, opts ...Option) *Tracker {
	t := &Tracker{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns the underlying Redis client.
func (t *Tracker) Client() goredis.UniversalClient { return t.client }

// ──────────────────────────────────────────────────
// Tracker interface
// ──────────────────────────────────────────────────

// Claim runs the claim script against the job's record Hash.
func (t *Tracker) Claim(ctx context.Context, batchID, jobID string, owner id.WorkerID) (track.ClaimResult, error) {
	now := time.Now().UTC()

	res, err := claimScript.Run(ctx, t.client,
		[]string{recordKey(batchID, jobID)},
		owner.String(), now.UnixNano(), int64(t.staleAfter),
	).Text()
	if err != nil {
		return "", fmt.Errorf("rerun/redis: claim: %w", err)
	}

	switch res {
	case "acquired":
		return track.ClaimAcquired, nil
	case "already_completed":
		return track.ClaimAlreadyCompleted, nil
	case "contested":
		return track.ClaimContested, nil
	default:
		return "", fmt.Errorf("rerun/redis: claim: unexpected script result %q", res)
	}
}

// RecordSuccess marks the job succeeded and adds it to the batch's done
// set. Idempotent.
func (t *Tracker) RecordSuccess(ctx context.Context, batchID, jobID string) error {
	now := time.Now().UTC()

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, recordKey(batchID, jobID),
		"status", string(job.StatusSucceeded),
		"finished_at", now.UnixNano(),
		"error", "",
	)
	pipe.SAdd(ctx, doneKey(batchID), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rerun/redis: record success: %w", err)
	}
	return nil
}

// RecordFailure marks the job failed with the given error. A success
// already recorded for the job stands.
func (t *Tracker) RecordFailure(ctx context.Context, batchID, jobID string, jobErr error) error {
	now := time.Now().UTC()
	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}

	err := failScript.Run(ctx, t.client,
		[]string{recordKey(batchID, jobID)},
		now.UnixNano(), errText,
	).Err()
	if err != nil {
		return fmt.Errorf("rerun/redis: record failure: %w", err)
	}
	return nil
}

// ListCompleted returns the ids of all succeeded jobs in the batch.
func (t *Tracker) ListCompleted(ctx context.Context, batchID string) (map[string]struct{}, error) {
	ids, err := t.client.SMembers(ctx, doneKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("rerun/redis: list completed: %w", err)
	}

	completed := make(map[string]struct{}, len(ids))
	for _, jobID := range ids {
		completed[jobID] = struct{}{}
	}
	return completed, nil
}

// Status returns the record for one job.
func (t *Tracker) Status(ctx context.Context, batchID, jobID string) (*track.Record, error) {
	vals, err := t.client.HGetAll(ctx, recordKey(batchID, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("rerun/redis: status: %w", err)
	}
	if len(vals) == 0 {
		return nil, track.ErrNotFound
	}
	return mapToRecord(batchID, jobID, vals)
}

// Migrate is a no-op for Redis (schemaless).
func (t *Tracker) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (t *Tracker) Close() error { return nil }

// mapToRecord converts Hash fields back into a Record.
func mapToRecord(batchID, jobID string, vals map[string]string) (*track.Record, error) {
	rec := &track.Record{
		BatchID: batchID,
		JobID:   jobID,
		Status:  job.Status(vals["status"]),
		Owner:   vals["owner"],
		Error:   vals["error"],
	}

	if v := vals["attempt"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rerun/redis: status: parse attempt %q: %w", v, err)
		}
		rec.Attempt = n
	}
	if v := vals["started_at"]; v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rerun/redis: status: parse started_at %q: %w", v, err)
		}
		rec.StartedAt = time.Unix(0, ns).UTC()
	}
	if v := vals["finished_at"]; v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rerun/redis: status: parse finished_at %q: %w", v, err)
		}
		finished := time.Unix(0, ns).UTC()
		rec.FinishedAt = &finished
	}
	return rec, nil
}
