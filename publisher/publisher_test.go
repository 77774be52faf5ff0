package publisher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enadzan/taskmq/codec"
	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/publisher"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/transport"
	"github.com/enadzan/taskmq/transport/memory"
)

const ns = "test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPublisher(t *testing.T, b *memory.Broker, opts ...publisher.Option) *publisher.Publisher {
	t.Helper()
	p := publisher.New(b, &codec.JSON{}, ns, hook.NewRegistry(discardLogger()), discardLogger(), opts...)
	if err := p.DeclareQueues(context.Background()); err != nil {
		t.Fatalf("DeclareQueues() error = %v", err)
	}
	return p
}

func TestPublish_Routing(t *testing.T) {
	tests := []struct {
		name string
		env  *job.Envelope
		want queue.Class
	}{
		{
			name: "regular",
			env:  job.New("email.send", []byte(`{}`)),
			want: queue.Regular,
		},
		{
			name: "long running",
			env:  job.New("report.build", nil, job.WithTimeout(time.Minute)),
			want: queue.LongRunning,
		},
		{
			name: "retry",
			env: func() *job.Envelope {
				e := job.New("email.send", nil)
				e.Attempt = 3
				return e
			}(),
			want: queue.Retry,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			defer b.Close()
			p := newPublisher(t, b)

			if err := p.Publish(context.Background(), tt.env); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if got := b.Len(queue.Name(ns, tt.want)); got != 1 {
				t.Errorf("Len(%s) = %d, want 1", tt.want, got)
			}
		})
	}
}

func TestPublish_DelayedRoutesToReleaseTarget(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	// Delayed first execution: at release the envelope is a regular job,
	// so the delay construct targets the regular queue.
	env := job.New("email.send", nil, job.WithDelay(80*time.Millisecond))
	if err := p.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	regular := queue.Name(ns, queue.Regular)
	if got := b.Len(regular); got != 0 {
		t.Fatalf("Len(regular) = %d before release, want 0", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Len(regular) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delayed envelope never released to regular queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A delayed redelivery targets the retry queue instead.
	succ := job.New("email.send", nil).Successor(80*time.Millisecond, errors.New("boom"))
	if err := p.Publish(context.Background(), succ); err != nil {
		t.Fatalf("Publish(successor) error = %v", err)
	}

	retry := queue.Name(ns, queue.Retry)
	deadline = time.Now().Add(2 * time.Second)
	for b.Len(retry) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry envelope never released to retry queue")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublish_RejectsPeriodicEnvelope(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	env := job.New("cleanup.run", nil)
	env.PeriodicID = "cleanup"
	env.Schedule = "@every 1m"

	if err := p.Publish(context.Background(), env); err == nil {
		t.Error("Publish(periodic) error = nil, want error")
	}
}

func TestPublish_InvalidEnvelope(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	env := job.New("", nil)
	if err := p.Publish(context.Background(), env); !errors.Is(err, job.ErrInvalidEnvelope) {
		t.Errorf("Publish() error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestPublish_SetsHeaders(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, queue.Name(ns, queue.Regular))
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	env := job.New("email.send", nil)
	env.Attempt = 2
	if err := p.Publish(ctx, env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	d := <-ch
	if got := d.Headers[transport.HeaderJobType]; got != "email.send" {
		t.Errorf("job type header = %q, want %q", got, "email.send")
	}
	if got := d.Headers[transport.HeaderAttempt]; got != "2" {
		t.Errorf("attempt header = %q, want %q", got, "2")
	}
	if got := d.Headers[transport.HeaderCodec]; got != p.Codec().Name() {
		t.Errorf("codec header = %q, want %q", got, p.Codec().Name())
	}
	_ = b.Ack(ctx, d)
}

func TestPublishFailed(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	term := job.New("email.send", nil).Terminal(errors.New("gave up"))
	if err := p.PublishFailed(context.Background(), term); err != nil {
		t.Fatalf("PublishFailed() error = %v", err)
	}
	if got := b.Len(queue.Name(ns, queue.Failed)); got != 1 {
		t.Errorf("Len(failed) = %d, want 1", got)
	}
}

func TestPublishRawFailed_PreservesBytes(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	raw := []byte("not an envelope")
	headers := transport.Headers{transport.HeaderCodec: "json"}
	if err := p.PublishRawFailed(context.Background(), raw, headers); err != nil {
		t.Fatalf("PublishRawFailed() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Consume(ctx, queue.Name(ns, queue.Failed))
	d := <-ch
	if string(d.Body) != "not an envelope" {
		t.Errorf("Body = %q, want raw bytes unchanged", d.Body)
	}
	_ = b.Ack(ctx, d)
}

// ──────────────────────────────────────────────────────────────────────
// Batch scope
// ──────────────────────────────────────────────────────────────────────

func TestRunBatch_FlushesOnReturn(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	regular := queue.Name(ns, queue.Regular)
	err := p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
		for i := range 3 {
			env := job.New("email.send", fmt.Appendf(nil, `{"n":%d}`, i))
			if err := batch.Publish(context.Background(), env); err != nil {
				return err
			}
		}
		// Nothing on the wire until the scope returns.
		if got := b.Len(regular); got != 0 {
			t.Errorf("Len(regular) = %d inside scope, want 0", got)
		}
		if got := batch.Len(); got != 3 {
			t.Errorf("batch.Len() = %d, want 3", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if got := b.Len(regular); got != 3 {
		t.Errorf("Len(regular) = %d after scope, want 3", got)
	}
}

func TestRunBatch_EagerFlushAtThreshold(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b, publisher.WithFlushThreshold(2))

	regular := queue.Name(ns, queue.Regular)
	scopeErr := errors.New("scope failed")

	err := p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
		for range 2 {
			if err := batch.Publish(context.Background(), job.New("email.send", nil)); err != nil {
				return err
			}
		}
		// The threshold flush already published these two.
		if got := b.Len(regular); got != 2 {
			t.Errorf("Len(regular) = %d after threshold, want 2", got)
		}
		if err := batch.Publish(context.Background(), job.New("email.send", nil)); err != nil {
			return err
		}
		return scopeErr
	})
	if !errors.Is(err, scopeErr) {
		t.Fatalf("RunBatch() error = %v, want scope error", err)
	}

	// The failing scope discarded its unflushed tail; the eager flush is
	// not undone. Batching is not transactional.
	if got := b.Len(regular); got != 2 {
		t.Errorf("Len(regular) = %d after failed scope, want 2", got)
	}
}

func TestRunBatch_ConcurrentScopesIsolated(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	regular := queue.Name(ns, queue.Regular)
	aBuffered := make(chan struct{})
	bBuffered := make(chan struct{})
	scopeErr := errors.New("scope failed")

	// Two scopes on the same publisher buffer concurrently; the failing
	// one must only discard its own envelopes.
	var wg sync.WaitGroup
	var aErr, bErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		aErr = p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
			for range 3 {
				if err := batch.Publish(context.Background(), job.New("scope-a", nil)); err != nil {
					return err
				}
			}
			close(aBuffered)
			<-bBuffered
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		bErr = p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
			for range 2 {
				if err := batch.Publish(context.Background(), job.New("scope-b", nil)); err != nil {
					return err
				}
			}
			close(bBuffered)
			<-aBuffered
			return scopeErr
		})
	}()
	wg.Wait()

	if aErr != nil {
		t.Fatalf("clean scope RunBatch() error = %v", aErr)
	}
	if !errors.Is(bErr, scopeErr) {
		t.Fatalf("failing scope RunBatch() error = %v, want scope error", bErr)
	}

	if got := b.Len(regular); got != 3 {
		t.Fatalf("Len(regular) = %d, want 3 from the clean scope", got)
	}
	deliveries, err := b.Consume(context.Background(), regular)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	for range 3 {
		select {
		case d := <-deliveries:
			if got := d.Headers[transport.HeaderJobType]; got != "scope-a" {
				t.Errorf("published job type = %q, want only scope-a envelopes", got)
			}
			if err := b.Ack(context.Background(), d); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestBatch_ClosedAfterScope(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	var escaped *publisher.Batch
	err := p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
		escaped = batch
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	err = escaped.Publish(context.Background(), job.New("email.send", nil))
	if !errors.Is(err, publisher.ErrBatchClosed) {
		t.Errorf("Publish() on closed batch error = %v, want ErrBatchClosed", err)
	}
}

func TestBatch_ValidatesOnPublish(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	err := p.RunBatch(context.Background(), func(batch *publisher.Batch) error {
		return batch.Publish(context.Background(), job.New("", nil))
	})
	if !errors.Is(err, job.ErrInvalidEnvelope) {
		t.Errorf("RunBatch() error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestDeclareQueues_Idempotent(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := newPublisher(t, b)

	if err := p.DeclareQueues(context.Background()); err != nil {
		t.Errorf("second DeclareQueues() error = %v", err)
	}
	for _, c := range queue.Consumed() {
		name := queue.Name(ns, c)
		if !strings.HasPrefix(name, ns+".") {
			t.Errorf("queue name %q missing namespace prefix", name)
		}
	}
}
