// Package worker consumes deliveries and executes the registered
// handlers, driving the retry lifecycle for failures.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/middleware"
	"github.com/enadzan/taskmq/publisher"
	"github.com/enadzan/taskmq/retry"
	"github.com/enadzan/taskmq/transport"
)

// Executor runs one delivery end to end: decode, execute through the
// middleware chain, then ack or route the failure. Safe for concurrent
// use by pool loops.
type Executor struct {
	reg     *job.Registry
	pub     *publisher.Publisher
	tr      transport.Transport
	policy  *retry.Policy
	archive *dlq.Service
	hooks   *hook.Registry
	chain   middleware.Middleware
	logger  *slog.Logger
}

// NewExecutor creates an Executor. archive may be nil; terminal
// envelopes then land only on the failed queue. mws are applied
// outermost first.
func NewExecutor(
	reg *job.Registry,
	pub *publisher.Publisher,
	tr transport.Transport,
	policy *retry.Policy,
	archive *dlq.Service,
	hooks *hook.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		reg:     reg,
		pub:     pub,
		tr:      tr,
		policy:  policy,
		archive: archive,
		hooks:   hooks,
		chain:   middleware.Chain(mws...),
		logger:  logger,
	}
}

// Handle processes one delivery. It never returns an error: every
// outcome is settled against the transport (ack or nack) and surfaced
// through hooks and logs.
func (x *Executor) Handle(ctx context.Context, d transport.Delivery) {
	env, err := x.pub.Codec().Decode(d.Body)
	if err != nil {
		x.quarantine(ctx, d, err)
		return
	}
	x.execute(ctx, env, d)
}

func (x *Executor) execute(ctx context.Context, env *job.Envelope, d transport.Delivery) {
	handler, err := x.reg.Create(env.JobType)
	if err != nil {
		// No handler anywhere in this deployment can run it, so
		// retrying would only burn attempts.
		x.terminal(ctx, env, d, err)
		return
	}

	x.hooks.EmitStarted(ctx, env)
	start := time.Now()

	err = x.chain(ctx, env, func(ctx context.Context) error {
		return handler(ctx, env.Args)
	})

	if err == nil {
		if ackErr := x.tr.Ack(ctx, d); ackErr != nil {
			x.logger.Error("ack failed, delivery will be redelivered",
				slog.String("envelope_id", env.ID.String()),
				slog.String("error", ackErr.Error()),
			)
			return
		}
		x.hooks.EmitCompleted(ctx, env, time.Since(start))
		return
	}

	decision := x.policy.Next(env.Attempt)
	if decision.Exhausted {
		x.terminal(ctx, env, d, fmt.Errorf("%w after %d attempts: %v", retry.ErrExhausted, env.Attempt+1, err))
		return
	}

	succ := env.Successor(decision.Delay, err)
	if pubErr := x.pub.Publish(ctx, succ); pubErr != nil {
		// Successor never made it out. Requeue the original so the
		// attempt is not lost.
		x.logger.Error("publish retry successor failed, requeueing original",
			slog.String("envelope_id", env.ID.String()),
			slog.String("error", pubErr.Error()),
		)
		x.nack(ctx, d, true, env)
		return
	}
	x.hooks.EmitRetrying(ctx, succ, succ.Attempt, *succ.NotBefore)
	x.logger.Info("job failed, retry scheduled",
		slog.String("envelope_id", env.ID.String()),
		slog.String("job_type", env.JobType),
		slog.Int("next_attempt", succ.Attempt),
		slog.Duration("delay", decision.Delay),
		slog.String("error", err.Error()),
	)
	x.nack(ctx, d, false, env)
}

// terminal settles an envelope that will never run again: failed queue,
// archive, then nack without requeue.
func (x *Executor) terminal(ctx context.Context, env *job.Envelope, d transport.Delivery, cause error) {
	term := env.Terminal(cause)
	if pubErr := x.pub.PublishFailed(ctx, term); pubErr != nil {
		x.logger.Error("publish to failed queue failed, requeueing original",
			slog.String("envelope_id", env.ID.String()),
			slog.String("error", pubErr.Error()),
		)
		x.nack(ctx, d, true, env)
		return
	}
	if x.archive != nil {
		if _, archErr := x.archive.Push(ctx, term, d.Queue); archErr != nil {
			x.logger.Error("archive failed envelope failed",
				slog.String("envelope_id", env.ID.String()),
				slog.String("error", archErr.Error()),
			)
		}
	}
	x.hooks.EmitFailed(ctx, term, cause)
	x.nack(ctx, d, false, env)
}

// quarantine moves an undecodable payload straight to the failed queue.
// There is no envelope to retry; the raw bytes are preserved as-is.
func (x *Executor) quarantine(ctx context.Context, d transport.Delivery, cause error) {
	x.logger.Error("undecodable delivery moved to failed queue",
		slog.String("queue", d.Queue),
		slog.String("error", cause.Error()),
	)
	if pubErr := x.pub.PublishRawFailed(ctx, d.Body, d.Headers); pubErr != nil {
		x.logger.Error("quarantine publish failed, requeueing delivery",
			slog.String("queue", d.Queue),
			slog.String("error", pubErr.Error()),
		)
		x.nack(ctx, d, true, nil)
		return
	}
	if ackErr := x.tr.Ack(ctx, d); ackErr != nil {
		x.logger.Error("ack of quarantined delivery failed",
			slog.String("queue", d.Queue),
			slog.String("error", ackErr.Error()),
		)
	}
}

func (x *Executor) nack(ctx context.Context, d transport.Delivery, requeue bool, env *job.Envelope) {
	if err := x.tr.Nack(ctx, d, requeue); err != nil {
		attrs := []any{
			slog.String("queue", d.Queue),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		}
		if env != nil {
			attrs = append(attrs, slog.String("envelope_id", env.ID.String()))
		}
		x.logger.Error("nack failed", attrs...)
	}
}
