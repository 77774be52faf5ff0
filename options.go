package taskmq

import (
	"log/slog"
	"time"

	"github.com/enadzan/taskmq/codec"
	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/middleware"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/retry"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the whole configuration. Later options still
// override individual fields.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithNamespace sets the queue-name prefix.
func WithNamespace(ns string) Option {
	return func(d *Dispatcher) {
		if ns != "" {
			d.cfg.Namespace = ns
		}
	}
}

// WithConcurrency sets the number of consumer loops for one queue class.
func WithConcurrency(c queue.Class, n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cfg.Concurrency[c] = n
		}
	}
}

// WithBatchSize caps how many ready deliveries one consumer loop drains
// into a single execution scope.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cfg.BatchSize = n
		}
	}
}

// WithFlushThreshold sets the buffered-publish count at which a batch
// publish scope flushes eagerly.
func WithFlushThreshold(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cfg.FlushThreshold = n
		}
	}
}

// WithTickInterval sets how often the periodic scheduler checks for due
// registrations.
func WithTickInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cfg.TickInterval = interval
		}
	}
}

// WithDefaultTimeout sets the execution time budget for envelopes that
// do not set one. Per-type defaults and per-publish options override it.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.cfg.DefaultTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds graceful Stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.cfg.ShutdownTimeout = timeout
		}
	}
}

// WithCodec selects the envelope and argument codec. JSON is the
// default.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.cdc = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRetryPolicy replaces the default 25-attempt polynomial policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.policy = p
		}
	}
}

// WithArchiveStore selects where terminally failed envelopes are
// archived. Defaults to an in-memory store.
func WithArchiveStore(s dlq.Store) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.archiveStore = s
		}
	}
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(d *Dispatcher) {
		d.pendingHooks = append(d.pendingHooks, h)
	}
}

// WithMiddleware appends middleware inside the built-in chain, just
// outside the handler.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) {
		d.extraMW = append(d.extraMW, mws...)
	}
}

// WithQueueLimits installs a queue manager with per-class rate and
// concurrency limits enforced in front of execution.
func WithQueueLimits(cfgs ...queue.Config) Option {
	return func(d *Dispatcher) {
		d.queueManager = queue.NewManager(cfgs...)
	}
}

// WithMetrics enables the OpenTelemetry metrics middleware.
func WithMetrics() Option {
	return func(d *Dispatcher) { d.metrics = true }
}

// WithTracing enables the OpenTelemetry tracing middleware.
func WithTracing() Option {
	return func(d *Dispatcher) { d.tracing = true }
}
