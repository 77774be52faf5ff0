package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/scope"
	"github.com/enadzan/taskmq/transport"
)

// acquireBackoff is how long a worker waits before re-checking the
// queue manager after a declined slot.
const acquireBackoff = 50 * time.Millisecond

// QueueManager guards execution with per-class rate and concurrency
// limits. The pool calls Acquire before executing a delivery and
// Release after execution completes.
type QueueManager interface {
	Acquire(c queue.Class) bool
	Release(c queue.Class)
}

// Pool consumes the executable queue classes and runs deliveries
// through the Executor with per-class concurrency.
type Pool struct {
	tr        transport.Transport
	executor  *Executor
	namespace string
	logger    *slog.Logger

	concurrency  map[queue.Class]int
	batchSize    int
	queueManager QueueManager
	workerID     id.WorkerID

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines for one class.
func WithConcurrency(c queue.Class, n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency[c] = n
		}
	}
}

// WithBatchSize caps how many ready deliveries one worker drains into a
// single shared-scope batch.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool over the consumed queue classes.
func NewPool(
	tr transport.Transport,
	executor *Executor,
	namespace string,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		tr:        tr,
		executor:  executor,
		namespace: namespace,
		logger:    logger,
		concurrency: map[queue.Class]int{
			queue.Regular:     10,
			queue.LongRunning: 2,
			queue.Retry:       5,
		},
		batchSize: 100,
		workerID:  id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start opens a consumer per executable class and launches its worker
// goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	for _, class := range queue.Consumed() {
		n := p.concurrency[class]
		if n <= 0 {
			continue
		}
		name := queue.Name(p.namespace, class)
		deliveries, err := p.tr.Consume(runCtx, name)
		if err != nil {
			cancel()
			return err
		}
		for range n {
			p.wg.Add(1)
			go p.workLoop(runCtx, class, deliveries)
		}
	}

	p.running = true
	p.runCtx = runCtx
	p.cancel = cancel

	p.logger.Info("worker pool started",
		slog.String("worker_id", p.workerID.String()),
		slog.Any("concurrency", p.concurrency),
	)
	return nil
}

// Stop cancels the consumers and waits for in-flight work. If the
// context expires first, Stop returns while workers drain in the
// background; their unacked deliveries are redelivered by the
// transport.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, unacked deliveries will be redelivered")
		return ctx.Err()
	}
}

// workLoop is run by each worker goroutine. It blocks on the shared
// delivery channel, drains up to batchSize ready deliveries, and
// executes them inside one shared scope.
func (p *Pool) workLoop(ctx context.Context, class queue.Class, deliveries <-chan transport.Delivery) {
	defer p.wg.Done()

	for {
		d, ok := <-deliveries
		if !ok {
			return
		}

		batch := make([]transport.Delivery, 1, p.batchSize)
		batch[0] = d
	drain:
		for len(batch) < p.batchSize {
			select {
			case next, more := <-deliveries:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		p.runBatch(ctx, class, batch)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runBatch executes a drained batch under one scope so jobs can share
// per-batch resources. Each delivery settles individually; the batch is
// not a failure unit.
func (p *Pool) runBatch(ctx context.Context, class queue.Class, batch []transport.Delivery) {
	sc := scope.New()
	defer func() {
		if err := sc.Close(); err != nil {
			p.logger.Error("batch scope close failed",
				slog.String("class", string(class)),
				slog.String("error", err.Error()),
			)
		}
	}()
	batchCtx := scope.WithContext(ctx, sc)

	for _, d := range batch {
		if !p.acquire(ctx, class) {
			// Shutting down. The unacked remainder is redelivered.
			return
		}
		p.executor.Handle(batchCtx, d)
		if p.queueManager != nil {
			p.queueManager.Release(class)
		}
	}
}

// acquire blocks until the queue manager grants a slot or the pool
// stops. Always true when no manager is configured.
func (p *Pool) acquire(ctx context.Context, class queue.Class) bool {
	if p.queueManager == nil {
		return ctx.Err() == nil
	}
	for {
		if ctx.Err() != nil {
			return false
		}
		if p.queueManager.Acquire(class) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(acquireBackoff):
		}
	}
}
