// Package hook defines the lifecycle-hook system for taskmq. Hooks are
// notified of lifecycle events (publish, execution start/finish, retry,
// terminal failure, periodic fire) and can react to them — auditing,
// metrics, alerting.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/enadzan/taskmq/job"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// Published is called after an envelope is handed to the transport.
type Published interface {
	OnPublished(ctx context.Context, env *job.Envelope) error
}

// Started is called when a worker begins executing an envelope.
type Started interface {
	OnStarted(ctx context.Context, env *job.Envelope) error
}

// Completed is called after an envelope finishes successfully.
type Completed interface {
	OnCompleted(ctx context.Context, env *job.Envelope, elapsed time.Duration) error
}

// Retrying is called when execution fails but a retry is scheduled.
type Retrying interface {
	OnRetrying(ctx context.Context, env *job.Envelope, attempt int, notBefore time.Time) error
}

// Failed is called when an envelope fails terminally (retry budget spent
// or payload unreadable) and moves to the failed queue.
type Failed interface {
	OnFailed(ctx context.Context, env *job.Envelope, err error) error
}

// PeriodicFired is called on the instance that won the claim for a
// periodic occurrence, after the occurrence envelope is published.
type PeriodicFired interface {
	OnPeriodicFired(ctx context.Context, periodicID string, due time.Time, env *job.Envelope) error
}
