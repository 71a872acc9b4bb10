package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/rerun/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type batchStartedEntry struct {
	name string
	hook BatchStarted
}

type batchCompletedEntry struct {
	name string
	hook BatchCompleted
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobSucceededEntry struct {
	name string
	hook JobSucceeded
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobSkippedEntry struct {
	name string
	hook JobSkipped
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	batchStarted   []batchStartedEntry
	batchCompleted []batchCompletedEntry
	jobStarted     []jobStartedEntry
	jobSucceeded   []jobSucceededEntry
	jobFailed      []jobFailedEntry
	jobSkipped     []jobSkippedEntry
	shutdown       []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(BatchStarted); ok {
		r.batchStarted = append(r.batchStarted, batchStartedEntry{name, h})
	}
	if h, ok := e.(BatchCompleted); ok {
		r.batchCompleted = append(r.batchCompleted, batchCompletedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobSucceeded); ok {
		r.jobSucceeded = append(r.jobSucceeded, jobSucceededEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobSkipped); ok {
		r.jobSkipped = append(r.jobSkipped, jobSkippedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Event emitters
// ──────────────────────────────────────────────────

// EmitBatchStarted notifies all extensions that implement BatchStarted.
func (r *Registry) EmitBatchStarted(ctx context.Context, batchID string, total, pending int) {
	for _, e := range r.batchStarted {
		if err := e.hook.OnBatchStarted(ctx, batchID, total, pending); err != nil {
			r.logHookError("OnBatchStarted", e.name, err)
		}
	}
}

// EmitBatchCompleted notifies all extensions that implement BatchCompleted.
func (r *Registry) EmitBatchCompleted(ctx context.Context, report *job.Report) {
	for _, e := range r.batchCompleted {
		if err := e.hook.OnBatchCompleted(ctx, report); err != nil {
			r.logHookError("OnBatchCompleted", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, batchID string, j job.Job, attempt int) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, batchID, j, attempt); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobSucceeded notifies all extensions that implement JobSucceeded.
func (r *Registry) EmitJobSucceeded(ctx context.Context, batchID string, j job.Job, elapsed time.Duration) {
	for _, e := range r.jobSucceeded {
		if err := e.hook.OnJobSucceeded(ctx, batchID, j, elapsed); err != nil {
			r.logHookError("OnJobSucceeded", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, batchID string, j job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, batchID, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobSkipped notifies all extensions that implement JobSkipped.
func (r *Registry) EmitJobSkipped(ctx context.Context, batchID string, j job.Job, reason string) {
	for _, e := range r.jobSkipped {
		if err := e.hook.OnJobSkipped(ctx, batchID, j, reason); err != nil {
			r.logHookError("OnJobSkipped", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the run.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
