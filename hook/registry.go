package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/enadzan/taskmq/job"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type publishedEntry struct {
	name string
	hook Published
}

type startedEntry struct {
	name string
	hook Started
}

type completedEntry struct {
	name string
	hook Completed
}

type retryingEntry struct {
	name string
	hook Retrying
}

type failedEntry struct {
	name string
	hook Failed
}

type periodicFiredEntry struct {
	name string
	hook PeriodicFired
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	published     []publishedEntry
	started       []startedEntry
	completed     []completedEntry
	retrying      []retryingEntry
	failed        []failedEntry
	periodicFired []periodicFiredEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(Published); ok {
		r.published = append(r.published, publishedEntry{name, e})
	}
	if e, ok := h.(Started); ok {
		r.started = append(r.started, startedEntry{name, e})
	}
	if e, ok := h.(Completed); ok {
		r.completed = append(r.completed, completedEntry{name, e})
	}
	if e, ok := h.(Retrying); ok {
		r.retrying = append(r.retrying, retryingEntry{name, e})
	}
	if e, ok := h.(Failed); ok {
		r.failed = append(r.failed, failedEntry{name, e})
	}
	if e, ok := h.(PeriodicFired); ok {
		r.periodicFired = append(r.periodicFired, periodicFiredEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitPublished notifies all hooks that implement Published.
func (r *Registry) EmitPublished(ctx context.Context, env *job.Envelope) {
	for _, e := range r.published {
		if err := e.hook.OnPublished(ctx, env); err != nil {
			r.logHookError("OnPublished", e.name, err)
		}
	}
}

// EmitStarted notifies all hooks that implement Started.
func (r *Registry) EmitStarted(ctx context.Context, env *job.Envelope) {
	for _, e := range r.started {
		if err := e.hook.OnStarted(ctx, env); err != nil {
			r.logHookError("OnStarted", e.name, err)
		}
	}
}

// EmitCompleted notifies all hooks that implement Completed.
func (r *Registry) EmitCompleted(ctx context.Context, env *job.Envelope, elapsed time.Duration) {
	for _, e := range r.completed {
		if err := e.hook.OnCompleted(ctx, env, elapsed); err != nil {
			r.logHookError("OnCompleted", e.name, err)
		}
	}
}

// EmitRetrying notifies all hooks that implement Retrying.
func (r *Registry) EmitRetrying(ctx context.Context, env *job.Envelope, attempt int, notBefore time.Time) {
	for _, e := range r.retrying {
		if err := e.hook.OnRetrying(ctx, env, attempt, notBefore); err != nil {
			r.logHookError("OnRetrying", e.name, err)
		}
	}
}

// EmitFailed notifies all hooks that implement Failed.
func (r *Registry) EmitFailed(ctx context.Context, env *job.Envelope, envErr error) {
	for _, e := range r.failed {
		if err := e.hook.OnFailed(ctx, env, envErr); err != nil {
			r.logHookError("OnFailed", e.name, err)
		}
	}
}

// EmitPeriodicFired notifies all hooks that implement PeriodicFired.
func (r *Registry) EmitPeriodicFired(ctx context.Context, periodicID string, due time.Time, env *job.Envelope) {
	for _, e := range r.periodicFired {
		if err := e.hook.OnPeriodicFired(ctx, periodicID, due, env); err != nil {
			r.logHookError("OnPeriodicFired", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never affect job
// processing.
func (r *Registry) logHookError(event, name string, err error) {
	r.logger.Warn("hook error",
		slog.String("event", event),
		slog.String("hook", name),
		slog.String("error", err.Error()),
	)
}
