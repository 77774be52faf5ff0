// Package redis implements the broker transport on Redis. Ready
// messages live in Lists, in-flight messages in per-consumer processing
// Lists (BLMOVE), delayed messages in a Sorted Set scored by release
// time, and periodic occurrence claims use SET NX keys.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	tr := redistransport.New(client)
//	defer tr.Close()
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/transport"
)

const (
	// defaultTick is how often the mover loop releases due delayed
	// messages.
	defaultTick = time.Second

	// defaultClaimTTL bounds how long a PublishUnique claim key blocks
	// duplicates. Claims are consumed long before this expires; the TTL
	// only keeps abandoned keys from accumulating.
	defaultClaimTTL = 24 * time.Hour

	// moverBatch caps how many due messages one tick releases per queue.
	moverBatch = 128

	// popTimeout bounds each blocking pop so consumers notice shutdown.
	popTimeout = time.Second
)

// frame is the wire format for one message on a Redis list.
type frame struct {
	Nonce   string            `json:"nonce"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

type inflightEntry struct {
	raw     string
	nonce   string
	queue   string
	procKey string
}

var _ transport.Transport = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTickInterval sets how often delayed messages are checked for
// release.
func WithTickInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.tickInterval = d
		}
	}
}

// WithClaimTTL sets the expiry on PublishUnique claim keys.
func WithClaimTTL(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.claimTTL = d
		}
	}
}

// Transport is a Redis-backed broker transport. The caller owns the
// Redis client lifecycle; Close stops the transport's goroutines but
// never closes the client.
type Transport struct {
	client       redis.UniversalClient
	logger       *slog.Logger
	consumerID   string
	tickInterval time.Duration
	claimTTL     time.Duration

	seq atomic.Uint64

	mu       sync.Mutex
	declared map[string]transport.QueueOptions
	inflight map[uint64]inflightEntry
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Transport and starts its delayed-message mover loop.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:       client,
		logger:       slog.Default(),
		consumerID:   id.NewWorkerID().String(),
		tickInterval: defaultTick,
		claimTTL:     defaultClaimTTL,
		declared:     make(map[string]transport.QueueOptions),
		inflight:     make(map[uint64]inflightEntry),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}

	t.wg.Add(1)
	go t.moverLoop()
	return t
}

// ConsumerID returns this transport instance's processing-list owner ID.
func (t *Transport) ConsumerID() string { return t.consumerID }

// DeclareQueue registers the queue in the shared queue set so every
// instance's mover loop covers its delay set. Redis lists need no
// broker-side creation.
func (t *Transport) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.client.SAdd(ctx, queuesKey, name).Err(); err != nil {
		return fmt.Errorf("taskmq/redis: declare queue %s: %w", name, err)
	}
	t.mu.Lock()
	t.declared[name] = opts
	t.mu.Unlock()
	return nil
}

// Publish appends a message to a queue.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte, headers transport.Headers) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	raw, err := t.encode(body, headers)
	if err != nil {
		return err
	}

	t.mu.Lock()
	opts, known := t.declared[queue]
	t.mu.Unlock()
	if known && opts.MaxLength > 0 && opts.RejectOverflow {
		// Drop-new when the queue is at capacity. The length check and
		// push are not atomic; a concurrent publisher may briefly
		// overshoot the cap.
		n, lenErr := t.client.LLen(ctx, queueKey(queue)).Result()
		if lenErr != nil {
			return fmt.Errorf("taskmq/redis: publish %s: %w", queue, lenErr)
		}
		if int(n) >= opts.MaxLength {
			return nil
		}
	}

	if err := t.client.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("taskmq/redis: publish %s: %w", queue, err)
	}
	return nil
}

// PublishDelayed stores the message in the queue's delay set; the mover
// loop releases it once its score is due.
func (t *Transport) PublishDelayed(ctx context.Context, queue string, body []byte, headers transport.Headers, delay time.Duration) error {
	if delay <= 0 {
		return t.Publish(ctx, queue, body, headers)
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	raw, err := t.encode(body, headers)
	if err != nil {
		return err
	}
	// Movers discover queues through the shared set; make sure this one
	// is visible even when declared on another instance.
	if err := t.client.SAdd(ctx, queuesKey, queue).Err(); err != nil {
		return fmt.Errorf("taskmq/redis: publish delayed %s: %w", queue, err)
	}
	due := time.Now().Add(delay)
	err = t.client.ZAdd(ctx, delayedKey(queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("taskmq/redis: publish delayed %s: %w", queue, err)
	}
	return nil
}

// PublishUnique publishes at most once per (queue, dedupKey) using a
// SET NX claim key.
func (t *Transport) PublishUnique(ctx context.Context, queue, dedupKey string, body []byte, headers transport.Headers) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	won, err := t.client.SetNX(ctx, uniqueKey(queue, dedupKey), t.consumerID, t.claimTTL).Result()
	if err != nil {
		return fmt.Errorf("taskmq/redis: claim %s on %s: %w", dedupKey, queue, err)
	}
	if !won {
		return nil
	}
	return t.Publish(ctx, queue, body, headers)
}

// Consume opens a blocking consumer on the queue. Messages left in this
// consumer's processing list by an earlier crashed run are requeued
// first.
func (t *Transport) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	procKey := processingKey(queue, t.consumerID)
	if err := t.reclaim(ctx, queue, procKey); err != nil {
		return nil, err
	}

	out := make(chan transport.Delivery)
	t.wg.Add(1)
	go t.consumeLoop(ctx, queue, procKey, out)
	return out, nil
}

// reclaim moves a previous run's unsettled messages back onto the
// ready list. Their nonces are marked first so the next delivery
// reports Redelivered.
func (t *Transport) reclaim(ctx context.Context, queue, procKey string) error {
	stranded, err := t.client.LRange(ctx, procKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("taskmq/redis: reclaim %s: %w", procKey, err)
	}
	for _, raw := range stranded {
		t.markRedelivered(ctx, raw)
	}
	for {
		err := t.client.LMove(ctx, procKey, queueKey(queue), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("taskmq/redis: reclaim %s: %w", procKey, err)
		}
	}
}

// markRedelivered records a frame's nonce so its next delivery carries
// the redelivery flag. Best effort; an unframeable message is skipped.
func (t *Transport) markRedelivered(ctx context.Context, raw string) {
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil || f.Nonce == "" {
		return
	}
	if err := t.client.Set(ctx, redeliveredKey(f.Nonce), "1", t.claimTTL).Err(); err != nil {
		t.logger.Warn("mark redelivered failed",
			slog.String("nonce", f.Nonce),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Transport) consumeLoop(ctx context.Context, queue, procKey string, out chan<- transport.Delivery) {
	defer t.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		raw, err := t.client.BLMove(ctx, queueKey(queue), procKey, "RIGHT", "LEFT", popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("blocking pop failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(popTimeout):
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			// Unframeable data never came from a publisher of ours.
			// Drop it from the processing list and move on.
			t.logger.Error("dropping unframeable message",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			t.client.LRem(context.WithoutCancel(ctx), procKey, 1, raw)
			continue
		}

		redelivered := false
		marker, err := t.client.GetDel(ctx, redeliveredKey(f.Nonce)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			t.logger.Warn("redelivery marker lookup failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
		if marker != "" {
			redelivered = true
		}

		tag := t.seq.Add(1)
		t.mu.Lock()
		t.inflight[tag] = inflightEntry{raw: raw, nonce: f.Nonce, queue: queue, procKey: procKey}
		t.mu.Unlock()

		d := transport.Delivery{
			Queue:       queue,
			Body:        f.Body,
			Headers:     transport.Headers(f.Headers),
			Tag:         tag,
			Redelivered: redelivered,
		}
		select {
		case out <- d:
		case <-ctx.Done():
			// Not handed to anyone. Leave it in the processing list;
			// the next run reclaims it.
			t.mu.Lock()
			delete(t.inflight, tag)
			t.mu.Unlock()
			return
		case <-t.stopCh:
			t.mu.Lock()
			delete(t.inflight, tag)
			t.mu.Unlock()
			return
		}
	}
}

// Ack removes the message from the processing list.
func (t *Transport) Ack(ctx context.Context, d transport.Delivery) error {
	e, ok := t.takeInflight(d.Tag)
	if !ok {
		return transport.ErrUnknownDelivery
	}
	if err := t.client.LRem(ctx, e.procKey, 1, e.raw).Err(); err != nil {
		return fmt.Errorf("taskmq/redis: ack on %s: %w", e.queue, err)
	}
	return nil
}

// Nack drops the message from the processing list; with requeue it is
// pushed back to the consuming end of the ready list.
func (t *Transport) Nack(ctx context.Context, d transport.Delivery, requeue bool) error {
	e, ok := t.takeInflight(d.Tag)
	if !ok {
		return transport.ErrUnknownDelivery
	}
	if requeue {
		if e.nonce != "" {
			if err := t.client.Set(ctx, redeliveredKey(e.nonce), "1", t.claimTTL).Err(); err != nil {
				t.logger.Warn("mark redelivered failed",
					slog.String("nonce", e.nonce),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := t.client.LMove(ctx, e.procKey, queueKey(e.queue), "LEFT", "RIGHT").Err(); err != nil {
			return fmt.Errorf("taskmq/redis: requeue on %s: %w", e.queue, err)
		}
		return nil
	}
	if err := t.client.LRem(ctx, e.procKey, 1, e.raw).Err(); err != nil {
		return fmt.Errorf("taskmq/redis: nack on %s: %w", e.queue, err)
	}
	return nil
}

func (t *Transport) takeInflight(tag uint64) (inflightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inflight[tag]
	if ok {
		delete(t.inflight, tag)
	}
	return e, ok
}

// moverLoop periodically releases due delayed messages for every queue
// in the shared queue set. A member is pushed only by the instance that
// wins its ZREM, so concurrent movers never duplicate a release.
func (t *Transport) moverLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.moveDue(context.Background())
		}
	}
}

func (t *Transport) moveDue(ctx context.Context) {
	queues, err := t.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		t.logger.Error("list queues for delayed release failed",
			slog.String("error", err.Error()))
		return
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, q := range queues {
		due, err := t.client.ZRangeByScore(ctx, delayedKey(q), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: moverBatch,
		}).Result()
		if err != nil {
			t.logger.Error("scan delayed set failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, raw := range due {
			removed, remErr := t.client.ZRem(ctx, delayedKey(q), raw).Result()
			if remErr != nil {
				t.logger.Error("remove due message failed",
					slog.String("queue", q),
					slog.String("error", remErr.Error()),
				)
				continue
			}
			if removed == 0 {
				// Another instance won this member.
				continue
			}
			if pushErr := t.client.LPush(ctx, queueKey(q), raw).Err(); pushErr != nil {
				t.logger.Error("release due message failed",
					slog.String("queue", q),
					slog.String("error", pushErr.Error()),
				)
			}
		}
	}
}

func (t *Transport) encode(body []byte, headers transport.Headers) (string, error) {
	f := frame{
		Nonce:   t.consumerID + "-" + strconv.FormatUint(t.seq.Add(1), 10),
		Body:    body,
		Headers: headers,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("taskmq/redis: encode frame: %w", err)
	}
	return string(raw), nil
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	return nil
}

// Close stops the mover and consumer goroutines. The Redis client stays
// open; unsettled messages stay in their processing lists for the next
// run to reclaim.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopCh)
	t.wg.Wait()
	return nil
}
