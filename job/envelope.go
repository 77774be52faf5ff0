package job

import (
	"fmt"
	"time"

	"github.com/enadzan/taskmq/id"
)

// DefaultTimeout is the execution time budget applied when an envelope
// does not request one.
const DefaultTimeout = 5 * time.Second

// Envelope is an immutable description of one unit of work plus its
// scheduling metadata. Once published an envelope is never mutated:
// retries produce a successor envelope with Attempt incremented.
type Envelope struct {
	// ID identifies the logical job. Successor envelopes keep the ID so
	// an envelope's retry history can be correlated.
	ID id.EnvelopeID `json:"id" msgpack:"id"`

	// JobType names the executable job kind. It maps to a handler via
	// the registry.
	JobType string `json:"job_type" msgpack:"job_type"`

	// Args is the serialized job arguments, opaque to the dispatcher.
	Args []byte `json:"args,omitempty" msgpack:"args,omitempty"`

	// Timeout is the requested execution time budget. Exceeding it is
	// treated as a failure.
	Timeout time.Duration `json:"timeout" msgpack:"timeout"`

	// Attempt counts redeliveries-after-failure. Starts at 0.
	Attempt int `json:"attempt" msgpack:"attempt"`

	// NotBefore is the earliest wall-clock instant the job may execute.
	// Nil means immediate.
	NotBefore *time.Time `json:"not_before,omitempty" msgpack:"not_before,omitempty"`

	// PeriodicID is set only for periodic occurrences; it is the
	// cluster-wide deduplication key.
	PeriodicID string `json:"periodic_id,omitempty" msgpack:"periodic_id,omitempty"`

	// Schedule is the string form of the periodic schedule ("@every 30s"
	// or a cron expression). Set exactly when PeriodicID is set.
	Schedule string `json:"schedule,omitempty" msgpack:"schedule,omitempty"`

	// EnqueuedAt records when the envelope was first published.
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`

	// LastError is the terminal failure marker, set only on envelopes
	// published to the failed queue.
	LastError string `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

// New constructs an envelope for the given job type with defaults applied.
func New(jobType string, args []byte, opts ...Option) *Envelope {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	env := &Envelope{
		ID:         id.NewEnvelopeID(),
		JobType:    jobType,
		Args:       args,
		Timeout:    o.Timeout,
		EnqueuedAt: time.Now().UTC(),
	}
	if o.Delay > 0 {
		nb := time.Now().UTC().Add(o.Delay)
		env.NotBefore = &nb
	} else if !o.RunAt.IsZero() {
		nb := o.RunAt.UTC()
		env.NotBefore = &nb
	}
	return env
}

// Validate checks the envelope invariants.
func (e *Envelope) Validate() error {
	if e.JobType == "" {
		return fmt.Errorf("%w: empty job type", ErrInvalidEnvelope)
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("%w: envelope %s: timeout must be positive, got %v", ErrInvalidEnvelope, e.ID, e.Timeout)
	}
	if e.Attempt < 0 {
		return fmt.Errorf("%w: envelope %s: negative attempt %d", ErrInvalidEnvelope, e.ID, e.Attempt)
	}
	if (e.PeriodicID == "") != (e.Schedule == "") {
		return fmt.Errorf("%w: envelope %s: periodic id and schedule must be set together", ErrInvalidEnvelope, e.ID)
	}
	return nil
}

// Successor returns a new envelope for the next delivery attempt: same
// job type and arguments, Attempt incremented, NotBefore pushed out by
// delay. The receiver is left untouched.
func (e *Envelope) Successor(delay time.Duration, cause error) *Envelope {
	next := *e
	next.Attempt = e.Attempt + 1
	nb := time.Now().UTC().Add(delay)
	next.NotBefore = &nb
	if cause != nil {
		next.LastError = cause.Error()
	}
	return &next
}

// Terminal returns a copy marked with the terminal failure, suitable for
// publishing to the failed queue. Attempt is preserved so the entry shows
// how many deliveries were spent.
func (e *Envelope) Terminal(cause error) *Envelope {
	final := *e
	final.NotBefore = nil
	if cause != nil {
		final.LastError = cause.Error()
	}
	return &final
}
