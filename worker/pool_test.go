package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/enadzan/taskmq/backoff"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/retry"
	"github.com/enadzan/taskmq/worker"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPool_ExecutesPublishedJobs(t *testing.T) {
	h := newHarness(t, nil)

	var ran atomic.Int32
	h.reg.Register("email.send", func(context.Context, []byte) error {
		ran.Add(1)
		return nil
	})

	pool := worker.NewPool(h.broker, h.executor, ns, discardLogger(),
		worker.WithConcurrency(queue.Regular, 4),
	)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const jobs = 20
	for range jobs {
		if err := h.pub.Publish(ctx, job.New("email.send", nil)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool { return ran.Load() == jobs }, "not all jobs executed")

	if err := pool.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if got := h.broker.Len(queue.Name(ns, queue.Regular)); got != 0 {
		t.Errorf("Len(regular) = %d after drain, want 0", got)
	}
}

func TestPool_RetriesThroughRetryQueue(t *testing.T) {
	h := newHarness(t, retry.NewPolicy(5, backoff.NewConstant(20*time.Millisecond)))

	var calls atomic.Int32
	h.reg.Register("flaky.op", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	pool := worker.NewPool(h.broker, h.executor, ns, discardLogger())
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(ctx)

	if err := h.pub.Publish(ctx, job.New("flaky.op", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Two failures, each republished through the delay construct into
	// the retry queue, then success on the third attempt.
	waitFor(t, func() bool { return calls.Load() == 3 }, "job never succeeded after retries")

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d after success, want exactly 3", got)
	}
	if got := h.broker.Len(queue.Name(ns, queue.Failed)); got != 0 {
		t.Errorf("Len(failed) = %d, want 0", got)
	}
}

func TestPool_StopWaitsForInflight(t *testing.T) {
	h := newHarness(t, nil)

	var finished atomic.Bool
	started := make(chan struct{})
	h.reg.Register("slow.op", func(ctx context.Context, _ []byte) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	pool := worker.NewPool(h.broker, h.executor, ns, discardLogger(),
		worker.WithConcurrency(queue.Regular, 1),
	)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.pub.Publish(ctx, job.New("slow.op", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	<-started
	if err := pool.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Stop() returned before in-flight job finished")
	}
}

func TestPool_StopTimeout(t *testing.T) {
	h := newHarness(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	h.reg.Register("stuck.op", func(ctx context.Context, _ []byte) error {
		close(started)
		<-release
		return nil
	})

	pool := worker.NewPool(h.broker, h.executor, ns, discardLogger(),
		worker.WithConcurrency(queue.Regular, 1),
	)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.pub.Publish(ctx, job.New("stuck.op", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}
	close(release)
}

// gateManager admits nothing until opened.
type gateManager struct {
	open atomic.Bool
}

func (g *gateManager) Acquire(queue.Class) bool { return g.open.Load() }
func (g *gateManager) Release(queue.Class)      {}

func TestPool_QueueManagerGatesExecution(t *testing.T) {
	h := newHarness(t, nil)

	var ran atomic.Int32
	h.reg.Register("email.send", func(context.Context, []byte) error {
		ran.Add(1)
		return nil
	})

	gate := &gateManager{}
	pool := worker.NewPool(h.broker, h.executor, ns, discardLogger(),
		worker.WithConcurrency(queue.Regular, 2),
		worker.WithQueueManager(gate),
	)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(ctx)

	if err := h.pub.Publish(ctx, job.New("email.send", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := ran.Load(); got != 0 {
		t.Fatalf("ran = %d while gate closed, want 0", got)
	}

	gate.open.Store(true)
	waitFor(t, func() bool { return ran.Load() == 1 }, "job never ran after gate opened")
}
