// Package publisher owns envelope construction and the hand-off to the
// transport: serialize, route to a queue class, publish. Delayed and
// retry envelopes are handed to the transport's delay primitive with
// their release target precomputed; the transport owns the timing.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/enadzan/taskmq/codec"
	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/transport"
)

// Option configures a Publisher.
type Option func(*Publisher)

// WithFlushThreshold sets the buffered-publish count at which a batch
// scope flushes eagerly.
func WithFlushThreshold(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.flushThreshold = n
		}
	}
}

// Publisher serializes envelopes and hands them to the transport.
// Safe for concurrent use.
type Publisher struct {
	tr        transport.Transport
	cdc       codec.Codec
	namespace string
	hooks     *hook.Registry
	logger    *slog.Logger

	flushThreshold int
}

// New creates a Publisher.
func New(
	tr transport.Transport,
	cdc codec.Codec,
	namespace string,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Publisher {
	if cdc == nil {
		cdc = &codec.JSON{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		tr:             tr,
		cdc:            cdc,
		namespace:      namespace,
		hooks:          hooks,
		logger:         logger,
		flushThreshold: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Codec returns the publisher's envelope codec.
func (p *Publisher) Codec() codec.Codec { return p.cdc }

// DeclareQueues idempotently declares the physical queues for every
// routable class. Claim queues are declared per registration by the
// periodic scheduler.
func (p *Publisher) DeclareQueues(ctx context.Context) error {
	classes := append(queue.Consumed(), queue.Failed)
	for _, c := range classes {
		name := queue.Name(p.namespace, c)
		if err := p.tr.DeclareQueue(ctx, name, transport.QueueOptions{Durable: true}); err != nil {
			return fmt.Errorf("publisher: declare %s: %w", name, err)
		}
	}
	return nil
}

// Publish routes and publishes one envelope. Fire-and-forget: an error
// reports a transport or validation problem, never a job-body failure.
func (p *Publisher) Publish(ctx context.Context, env *job.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	class := queue.Route(env, now)
	if class == queue.Periodic {
		return fmt.Errorf("publisher: envelope %s: periodic occurrences are published by the scheduler", env.ID)
	}

	body, err := p.cdc.Encode(env)
	if err != nil {
		return fmt.Errorf("publisher: encode envelope %s: %w", env.ID, err)
	}

	if class == queue.Delayed {
		// Route again as of the release instant so the delay construct
		// knows its real destination (retry for redeliveries, otherwise
		// regular or long-running).
		target := queue.Route(env, env.NotBefore.UTC())
		delay := env.NotBefore.Sub(now)
		if err := p.tr.PublishDelayed(ctx, queue.Name(p.namespace, target), body, p.headers(env), delay); err != nil {
			return fmt.Errorf("publisher: publish delayed %s: %w", env.ID, err)
		}
	} else {
		if err := p.tr.Publish(ctx, queue.Name(p.namespace, class), body, p.headers(env)); err != nil {
			return fmt.Errorf("publisher: publish %s: %w", env.ID, err)
		}
	}

	p.hooks.EmitPublished(ctx, env)

	p.logger.Debug("envelope published",
		slog.String("envelope_id", env.ID.String()),
		slog.String("job_type", env.JobType),
		slog.String("class", string(class)),
		slog.Int("attempt", env.Attempt),
	)
	return nil
}

// PublishFailed publishes a terminal envelope to the failed queue, where
// it stays for manual inspection or replay.
func (p *Publisher) PublishFailed(ctx context.Context, env *job.Envelope) error {
	body, err := p.cdc.Encode(env)
	if err != nil {
		return fmt.Errorf("publisher: encode terminal envelope %s: %w", env.ID, err)
	}
	return p.publishRawFailed(ctx, body, p.headers(env))
}

// PublishRawFailed moves an undecodable payload to the failed queue
// unchanged, preserving whatever bytes arrived for inspection.
func (p *Publisher) PublishRawFailed(ctx context.Context, body []byte, headers transport.Headers) error {
	return p.publishRawFailed(ctx, body, headers)
}

func (p *Publisher) publishRawFailed(ctx context.Context, body []byte, headers transport.Headers) error {
	name := queue.Name(p.namespace, queue.Failed)
	if err := p.tr.Publish(ctx, name, body, headers); err != nil {
		return fmt.Errorf("publisher: publish to failed queue: %w", err)
	}
	return nil
}

func (p *Publisher) headers(env *job.Envelope) transport.Headers {
	return transport.Headers{
		transport.HeaderJobType: env.JobType,
		transport.HeaderAttempt: strconv.Itoa(env.Attempt),
		transport.HeaderCodec:   p.cdc.Name(),
	}
}
