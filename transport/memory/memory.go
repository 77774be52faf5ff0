// Package memory provides a fully in-process Transport implementation.
// Safe for concurrent access. Intended for unit testing and development:
// it honors the at-least-once contract, including redelivery of
// unacknowledged messages when a consumer goes away.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enadzan/taskmq/transport"
)

// defaultQueueCap bounds a queue without an explicit MaxLength.
const defaultQueueCap = 4096

type message struct {
	body        []byte
	headers     transport.Headers
	redelivered bool
}

type memQueue struct {
	opts transport.QueueOptions
	ch   chan *message
}

type inflight struct {
	queue string
	msg   *message
	owner *consumer
}

type consumer struct {
	queue string
	out   chan transport.Delivery
}

// Broker is an in-memory Transport.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	pending  map[uint64]*inflight
	seen     map[string]struct{} // dedup keys for PublishUnique
	timers   map[*time.Timer]struct{}
	nextTag  uint64
	closed   bool
	closedCh chan struct{}
}

var _ transport.Transport = (*Broker)(nil)

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:   make(map[string]*memQueue),
		pending:  make(map[uint64]*inflight),
		seen:     make(map[string]struct{}),
		timers:   make(map[*time.Timer]struct{}),
		closedCh: make(chan struct{}),
	}
}

// DeclareQueue idempotently creates a queue.
func (b *Broker) DeclareQueue(_ context.Context, name string, opts transport.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrClosed
	}
	if _, ok := b.queues[name]; ok {
		return nil
	}

	capacity := defaultQueueCap
	if opts.MaxLength > 0 {
		capacity = opts.MaxLength
	}
	b.queues[name] = &memQueue{opts: opts, ch: make(chan *message, capacity)}
	return nil
}

func (b *Broker) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("memory: queue %s: %w", name, transport.ErrQueueNotDeclared)
	}
	return q, nil
}

// Publish appends a message to a queue. Blocks when the queue is at
// capacity unless the queue rejects overflow.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, headers transport.Headers) error {
	return b.publish(ctx, queue, &message{body: cloneBytes(body), headers: headers.Clone()})
}

func (b *Broker) publish(ctx context.Context, queue string, msg *message) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	if q.opts.RejectOverflow {
		select {
		case q.ch <- msg:
		default:
			// Drop-new semantics: the queue is full and keeps what it has.
		}
		return nil
	}

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closedCh:
		return transport.ErrClosed
	}
}

// PublishDelayed holds the message on a timer and releases it once delay
// elapses.
func (b *Broker) PublishDelayed(ctx context.Context, queue string, body []byte, headers transport.Headers, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, queue, body, headers)
	}

	// Fail fast if the target queue does not exist.
	if _, err := b.queue(queue); err != nil {
		return err
	}

	msg := &message{body: cloneBytes(body), headers: headers.Clone()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		_ = b.publish(context.Background(), queue, msg)
	})
	b.timers[t] = struct{}{}
	b.mu.Unlock()
	return nil
}

// PublishUnique publishes at most once per (queue, dedupKey).
func (b *Broker) PublishUnique(ctx context.Context, queue, dedupKey string, body []byte, headers transport.Headers) error {
	key := queue + "\x00" + dedupKey

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	if _, dup := b.seen[key]; dup {
		b.mu.Unlock()
		return nil
	}
	b.seen[key] = struct{}{}
	b.mu.Unlock()

	return b.Publish(ctx, queue, body, headers)
}

// Consume returns a delivery channel for the queue. The channel closes
// when ctx is cancelled or the broker closes; deliveries not settled by
// then are requeued with Redelivered set.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	c := &consumer{queue: queue, out: make(chan transport.Delivery)}
	go b.consumeLoop(ctx, q, c)
	return c.out, nil
}

func (b *Broker) consumeLoop(ctx context.Context, q *memQueue, c *consumer) {
	defer func() {
		b.requeueOwned(c)
		close(c.out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedCh:
			return
		case msg := <-q.ch:
			d, ok := b.track(c, msg)
			if !ok {
				return
			}
			select {
			case c.out <- d:
			case <-ctx.Done():
				b.requeueTag(d.Tag)
				return
			case <-b.closedCh:
				return
			}
		}
	}
}

func (b *Broker) track(c *consumer, msg *message) (transport.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.Delivery{}, false
	}

	b.nextTag++
	tag := b.nextTag
	b.pending[tag] = &inflight{queue: c.queue, msg: msg, owner: c}

	return transport.Delivery{
		Queue:       c.queue,
		Body:        msg.body,
		Headers:     msg.headers.Clone(),
		Tag:         tag,
		Redelivered: msg.redelivered,
	}, true
}

// requeueOwned returns every unsettled delivery held by a departed
// consumer to its queue. This is what makes an ungraceful worker exit
// look like a crash to the rest of the fleet.
func (b *Broker) requeueOwned(c *consumer) {
	b.mu.Lock()
	var msgs []*message
	for tag, f := range b.pending {
		if f.owner == c {
			delete(b.pending, tag)
			f.msg.redelivered = true
			msgs = append(msgs, f.msg)
		}
	}
	q := b.queues[c.queue]
	closed := b.closed
	b.mu.Unlock()

	if closed || q == nil {
		return
	}
	for _, msg := range msgs {
		b.push(q, msg)
	}
}

func (b *Broker) requeueTag(tag uint64) {
	b.mu.Lock()
	f, ok := b.pending[tag]
	if ok {
		delete(b.pending, tag)
	}
	closed := b.closed
	b.mu.Unlock()

	if !ok || closed {
		return
	}
	f.msg.redelivered = true
	b.push(b.queueOf(f.queue), f.msg)
}

func (b *Broker) queueOf(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

// push requeues without blocking the caller; a full queue is retried in
// the background so settlement paths never deadlock.
func (b *Broker) push(q *memQueue, msg *message) {
	if q == nil {
		return
	}
	select {
	case q.ch <- msg:
	default:
		go func() {
			select {
			case q.ch <- msg:
			case <-b.closedCh:
			}
		}()
	}
}

// Ack permanently removes a delivered message.
func (b *Broker) Ack(_ context.Context, d transport.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, d.Tag)
	return nil
}

// Nack settles a delivery; with requeue the message returns to its queue.
func (b *Broker) Nack(_ context.Context, d transport.Delivery, requeue bool) error {
	b.mu.Lock()
	f, ok := b.pending[d.Tag]
	if ok {
		delete(b.pending, d.Tag)
	}
	closed := b.closed
	b.mu.Unlock()

	if !ok || !requeue || closed {
		return nil
	}
	f.msg.redelivered = true
	b.push(b.queueOf(f.queue), f.msg)
	return nil
}

// Len reports the number of ready (undelivered) messages in a queue.
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	q := b.queues[queue]
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// Close shuts the broker down. Pending delay timers are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	close(b.closedCh)
	return nil
}

func cloneBytes(p []byte) []byte {
	if p == nil {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}
