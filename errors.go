package taskmq

import (
	"errors"

	"github.com/enadzan/taskmq/codec"
	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/periodic"
	"github.com/enadzan/taskmq/publisher"
	"github.com/enadzan/taskmq/retry"
	"github.com/enadzan/taskmq/transport"
)

// Root-level aliases for the sentinel errors defined next to the code
// that produces them, so callers can match everything with errors.Is
// against a single import.
var (
	// Transport errors.
	ErrTransportClosed  = transport.ErrClosed
	ErrQueueNotDeclared = transport.ErrQueueNotDeclared
	ErrUnknownDelivery  = transport.ErrUnknownDelivery

	// Envelope errors.
	ErrInvalidEnvelope = job.ErrInvalidEnvelope
	ErrSerialization   = codec.ErrMalformed

	// Registration errors.
	ErrUnknownJobType      = job.ErrUnknownType
	ErrDuplicatePeriodicID = periodic.ErrDuplicateID
	ErrInvalidSchedule     = periodic.ErrInvalidSchedule

	// Retry errors.
	ErrRetriesExhausted = retry.ErrExhausted

	// Publishing errors.
	ErrBatchClosed = publisher.ErrBatchClosed

	// Archive errors.
	ErrEntryNotFound = dlq.ErrEntryNotFound
)

// Lifecycle errors owned by the dispatcher itself.
var (
	ErrNoTransport    = errors.New("taskmq: no transport configured")
	ErrNotRunning     = errors.New("taskmq: dispatcher not running")
	ErrAlreadyRunning = errors.New("taskmq: dispatcher already running")
)
