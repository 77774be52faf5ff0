package taskmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/enadzan/taskmq/codec"
	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/middleware"
	"github.com/enadzan/taskmq/periodic"
	"github.com/enadzan/taskmq/publisher"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/retry"
	memstore "github.com/enadzan/taskmq/store/memory"
	"github.com/enadzan/taskmq/transport"
	"github.com/enadzan/taskmq/worker"
)

// Dispatcher ties the subsystems together: a publisher for producing
// envelopes, a worker pool for consuming them, a periodic scheduler for
// cron-like jobs, and the failure archive. One Dispatcher per process
// is the normal deployment; several instances sharing a transport form
// a cluster.
type Dispatcher struct {
	cfg    Config
	tr     transport.Transport
	logger *slog.Logger
	cdc    codec.Codec

	registry     *job.Registry
	hooks        *hook.Registry
	policy       *retry.Policy
	pub          *publisher.Publisher
	archiveStore dlq.Store
	archive      *dlq.Service
	scheduler    *periodic.Scheduler
	pool         *worker.Pool
	queueManager *queue.Manager

	pendingHooks []hook.Hook
	extraMW      []middleware.Middleware
	metrics      bool
	tracing      bool

	mu      sync.Mutex
	running bool
}

// New creates a Dispatcher on the given transport.
func New(tr transport.Transport, opts ...Option) (*Dispatcher, error) {
	if tr == nil {
		return nil, ErrNoTransport
	}

	d := &Dispatcher{
		cfg:    DefaultConfig(),
		tr:     tr,
		logger: slog.Default(),
		cdc:    &codec.JSON{},
	}
	for _, opt := range opts {
		opt(d)
	}

	d.hooks = hook.NewRegistry(d.logger)
	for _, h := range d.pendingHooks {
		d.hooks.Register(h)
	}
	d.pendingHooks = nil

	d.registry = job.NewRegistry(d.cdc.DecodeArgs)
	if d.policy == nil {
		d.policy = retry.DefaultPolicy()
	}
	if d.archiveStore == nil {
		d.archiveStore = memstore.New()
	}

	d.pub = publisher.New(tr, d.cdc, d.cfg.Namespace, d.hooks, d.logger,
		publisher.WithFlushThreshold(d.cfg.FlushThreshold))
	d.archive = dlq.NewService(d.archiveStore, d.pub.Publish, d.logger)

	executor := worker.NewExecutor(
		d.registry, d.pub, tr, d.policy, d.archive, d.hooks, d.logger,
		d.buildMiddleware()...,
	)

	poolOpts := []worker.PoolOption{worker.WithBatchSize(d.cfg.BatchSize)}
	for class, n := range d.cfg.Concurrency {
		poolOpts = append(poolOpts, worker.WithConcurrency(class, n))
	}
	if d.queueManager != nil {
		poolOpts = append(poolOpts, worker.WithQueueManager(d.queueManager))
	}
	d.pool = worker.NewPool(tr, executor, d.cfg.Namespace, d.logger, poolOpts...)

	d.scheduler = periodic.NewScheduler(
		tr, d.cfg.Namespace, d.pub.Publish, d.hooks, d.pool.WorkerID(), d.logger,
		periodic.WithTickInterval(d.cfg.TickInterval),
	)

	return d, nil
}

func (d *Dispatcher) buildMiddleware() []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.Recover(d.logger),
		middleware.Logging(d.logger),
	}
	if d.metrics {
		mws = append(mws, middleware.Metrics())
	}
	if d.tracing {
		mws = append(mws, middleware.Tracing())
	}
	mws = append(mws, middleware.Scope(), middleware.Timeout(d.logger))
	return append(mws, d.extraMW...)
}

// Register adds a type-erased handler for a job type. Typed handlers
// should prefer the package-level generic Register.
func (d *Dispatcher) Register(jobType string, handler job.HandlerFunc, opts ...job.Option) {
	d.registry.Register(jobType, handler, opts...)
}

// Register adds a typed job definition to the dispatcher's registry.
func Register[T any](d *Dispatcher, def *job.Definition[T]) {
	job.RegisterDefinition(d.registry, def)
}

// Publish serializes args with the configured codec and publishes a new
// envelope for jobType. Per-type registered defaults apply first, then
// opts.
func (d *Dispatcher) Publish(ctx context.Context, jobType string, args any, opts ...job.Option) error {
	body, err := d.cdc.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("taskmq: encode args for %s: %w", jobType, err)
	}
	// Precedence: configured default timeout, then per-type registered
	// defaults, then caller options.
	merged := make([]job.Option, 0, len(opts)+2)
	if d.cfg.DefaultTimeout > 0 {
		merged = append(merged, job.WithTimeout(d.cfg.DefaultTimeout))
	}
	merged = append(merged, job.WithOptions(d.registry.DefaultsFor(jobType)))
	merged = append(merged, opts...)
	return d.pub.Publish(ctx, job.New(jobType, body, merged...))
}

// PublishEnvelope publishes a fully built envelope unchanged.
func (d *Dispatcher) PublishEnvelope(ctx context.Context, env *job.Envelope) error {
	return d.pub.Publish(ctx, env)
}

// PublishPeriodic registers a periodic job. Occurrences fire on
// schedule exactly once across every instance registered with the same
// periodic id. Returns ErrDuplicatePeriodicID when the id is taken.
func (d *Dispatcher) PublishPeriodic(ctx context.Context, periodicID, jobType string, args any, schedule string, opts ...job.Option) error {
	body, err := d.cdc.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("taskmq: encode args for %s: %w", jobType, err)
	}
	sched, err := periodic.Parse(schedule)
	if err != nil {
		return err
	}
	var o job.Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timeout <= 0 {
		o.Timeout = d.cfg.DefaultTimeout
	}
	return d.scheduler.Register(ctx, periodic.Registration{
		PeriodicID: periodicID,
		JobType:    jobType,
		Args:       body,
		Schedule:   sched,
		Timeout:    o.Timeout,
	})
}

// CancelPeriodic removes a periodic registration from this instance.
func (d *Dispatcher) CancelPeriodic(periodicID string) error {
	return d.scheduler.Cancel(periodicID)
}

// RunBatch runs fn with a batch publish scope: buffered publishes are
// flushed together on a nil return and discarded on error. The buffer
// also flushes eagerly at the configured threshold, so batching is a
// throughput device, not a transaction.
func (d *Dispatcher) RunBatch(ctx context.Context, fn func(b *publisher.Batch) error) error {
	return d.pub.RunBatch(ctx, fn)
}

// DLQ exposes the failure archive for inspection, replay, and purge.
func (d *Dispatcher) DLQ() *dlq.Service { return d.archive }

// Hooks exposes the lifecycle hook registry.
func (d *Dispatcher) Hooks() *hook.Registry { return d.hooks }

// Transport returns the underlying transport.
func (d *Dispatcher) Transport() transport.Transport { return d.tr }

// Start declares the queues and starts the worker pool and periodic
// scheduler. Publishing works without Start; Start is what makes this
// instance consume.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	if err := d.pub.DeclareQueues(ctx); err != nil {
		return err
	}
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	if err := d.scheduler.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
		defer cancel()
		_ = d.pool.Stop(stopCtx)
		return err
	}

	d.running = true
	d.logger.Info("dispatcher started",
		slog.String("namespace", d.cfg.Namespace),
		slog.String("worker_id", d.pool.WorkerID().String()),
		slog.String("codec", d.cdc.Name()),
	)
	return nil
}

// Stop shuts down the scheduler and worker pool, waiting up to the
// configured shutdown timeout (or ctx's deadline, whichever is
// sooner). The transport is left open; the caller owns it.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}
	d.running = false

	stopCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := d.scheduler.Stop(stopCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.pool.Stop(stopCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info("dispatcher stopped", slog.String("namespace", d.cfg.Namespace))
	return firstErr
}
