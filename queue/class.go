package queue

import (
	"time"

	"github.com/enadzan/taskmq/job"
)

// Class is a logical queue category. The class determines isolation and
// timing behavior: long jobs cannot starve fast jobs, and delayed,
// periodic, and retry traffic keep their timing mechanics away from
// immediate dispatch.
type Class string

const (
	// Regular holds immediate jobs with a short time budget.
	Regular Class = "regular"
	// LongRunning holds immediate jobs whose time budget exceeds
	// LongRunningThreshold.
	LongRunning Class = "long-running"
	// Delayed is the holding class for envelopes whose NotBefore lies in
	// the future. It is realized by the transport's delay primitive, not
	// by a consumed queue.
	Delayed Class = "delayed"
	// Retry holds redeliveries after failure.
	Retry Class = "retry"
	// Periodic holds occurrence claims for periodic jobs.
	Periodic Class = "periodic"
	// Failed holds envelopes that exhausted their retry budget or could
	// not be deserialized. Consumed only by manual inspection/replay.
	Failed Class = "failed"
)

// LongRunningThreshold is the timeout above which an envelope is
// isolated into the long-running class.
const LongRunningThreshold = 10 * time.Second

// Consumed lists the classes the worker pool drains.
func Consumed() []Class {
	return []Class{Regular, LongRunning, Retry}
}

// Route maps an envelope to its queue class. Pure and total: the caller
// supplies now so the decision is reproducible. Rules are evaluated in
// order; the first match wins.
func Route(e *job.Envelope, now time.Time) Class {
	switch {
	case e.PeriodicID != "":
		return Periodic
	case e.NotBefore != nil && e.NotBefore.After(now):
		return Delayed
	case e.Attempt > 0:
		return Retry
	case e.Timeout > LongRunningThreshold:
		return LongRunning
	default:
		return Regular
	}
}

// Name returns the physical queue name for a class under the given
// namespace, e.g. "taskmq.regular".
func Name(namespace string, c Class) string {
	return namespace + "." + string(c)
}

// ClaimName returns the physical claim queue name for a periodic job,
// e.g. "taskmq.periodic.cleanup". Each periodic id gets its own durable
// queue so redundant occurrence publishes collapse onto one consumer.
func ClaimName(namespace, periodicID string) string {
	return namespace + "." + string(Periodic) + "." + periodicID
}
