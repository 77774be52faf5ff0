// Package transport defines the message-broker contract the dispatcher
// is built on: durable named queues, publish/consume, per-message
// ack/nack, delayed delivery, and idempotent publish for periodic
// occurrence claims.
//
// The dispatcher never assumes more than at-least-once delivery.
// Unacknowledged deliveries must be returned to their queue when the
// consumer goes away, so a crashed worker's in-flight jobs become
// visible to any live consumer.
package transport

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all transport implementations.
var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("taskmq: transport closed")

	// ErrQueueNotDeclared is returned when an operation names a queue
	// that was never declared.
	ErrQueueNotDeclared = errors.New("taskmq: queue not declared")

	// ErrUnknownDelivery is returned when settling a delivery the
	// transport is not tracking, usually after it was already settled.
	ErrUnknownDelivery = errors.New("taskmq: unknown delivery tag")
)

// Headers carries broker-level message metadata.
type Headers map[string]string

// Clone returns a copy of the headers. A nil receiver clones to nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	cp := make(Headers, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

// Well-known header keys.
const (
	HeaderJobType    = "taskmq-job-type"
	HeaderAttempt    = "taskmq-attempt"
	HeaderCodec      = "taskmq-codec"
	HeaderPeriodicID = "taskmq-periodic-id"
	HeaderDue        = "taskmq-due"
)

// QueueOptions configures a declared queue.
type QueueOptions struct {
	// Durable queues survive broker restarts.
	Durable bool

	// MaxLength caps the number of ready messages. With RejectOverflow
	// set, publishes beyond the cap are silently dropped instead of
	// displacing older messages. Zero means unbounded.
	MaxLength int

	// RejectOverflow selects drop-new semantics when MaxLength is hit.
	RejectOverflow bool
}

// Delivery is one consumed message plus the handle needed to settle it.
type Delivery struct {
	// Queue is the physical queue the message was consumed from.
	Queue string

	// Body is the raw message payload.
	Body []byte

	// Headers is the broker metadata published with the message.
	Headers Headers

	// Tag is the transport-assigned acknowledgement handle.
	Tag uint64

	// Redelivered reports that this message was delivered before and
	// returned to the queue unacknowledged.
	Redelivered bool
}

// Transport is the broker contract. Implementations must be safe for
// concurrent publish and consume.
type Transport interface {
	// DeclareQueue idempotently creates a named queue.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error

	// Publish appends a message to a queue.
	Publish(ctx context.Context, queue string, body []byte, headers Headers) error

	// PublishDelayed holds a message and releases it to the target queue
	// after delay elapses. The transport owns the timing; the caller only
	// names the destination.
	PublishDelayed(ctx context.Context, queue string, body []byte, headers Headers, delay time.Duration) error

	// PublishUnique publishes at most once per (queue, dedupKey):
	// concurrent and repeated publishes with the same key collapse onto
	// a single message. Used for periodic occurrence claims.
	PublishUnique(ctx context.Context, queue, dedupKey string, body []byte, headers Headers) error

	// Consume returns a channel of deliveries from the queue. The
	// channel closes when ctx is cancelled or the transport closes;
	// deliveries consumed but not settled by then are returned to the
	// queue for redelivery.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Ack permanently removes a delivered message.
	Ack(ctx context.Context, d Delivery) error

	// Nack removes the message from its in-flight state; with requeue it
	// is placed back on the queue for another consumer, without requeue
	// it is dropped.
	Nack(ctx context.Context, d Delivery, requeue bool) error

	// Close releases broker connections. In-flight deliveries are
	// requeued where the broker supports it.
	Close() error
}
