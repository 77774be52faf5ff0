package publisher

import (
	"context"
	"errors"
	"sync"

	"github.com/enadzan/taskmq/job"
)

// ErrBatchClosed is returned when publishing into a batch scope after
// its RunBatch call has returned.
var ErrBatchClosed = errors.New("taskmq: batch scope closed")

// Batch buffers publishes inside a RunBatch scope. Buffered envelopes
// are flushed together when the scope returns nil; the batch flushes
// eagerly whenever the buffer reaches the flush threshold, so a failing
// scope may still have published its earlier envelopes. Batching trades
// atomicity for throughput.
type Batch struct {
	p *Publisher

	mu     sync.Mutex
	buf    []*job.Envelope
	closed bool
}

// RunBatch runs fn with a batch scope. On a nil return the remaining
// buffer is flushed and the flush error, if any, is returned. On a
// non-nil return the unflushed buffer is discarded and fn's error is
// returned unchanged.
func (p *Publisher) RunBatch(ctx context.Context, fn func(b *Batch) error) error {
	b := &Batch{p: p, buf: make([]*job.Envelope, 0, p.flushThreshold)}
	err := fn(b)

	b.mu.Lock()
	b.closed = true
	if err != nil {
		discarded := len(b.buf)
		b.buf = nil
		b.mu.Unlock()
		if discarded > 0 {
			p.logger.Debug("batch scope failed, unflushed envelopes discarded",
				"discarded", discarded)
		}
		return err
	}
	b.mu.Unlock()

	return b.flush(ctx)
}

// Publish buffers one envelope in the batch. Validation happens here so
// a bad envelope surfaces at the call site, not at flush. The buffer is
// flushed eagerly when it reaches the publisher's flush threshold.
func (b *Batch) Publish(ctx context.Context, env *job.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	b.buf = append(b.buf, env)
	full := len(b.buf) >= b.p.flushThreshold
	b.mu.Unlock()

	if full {
		return b.flush(ctx)
	}
	return nil
}

// Len reports the number of buffered, not yet flushed envelopes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batch) flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	for i, env := range pending {
		if err := b.p.Publish(ctx, env); err != nil {
			// Envelopes published before the failure stay published.
			b.mu.Lock()
			if !b.closed {
				b.buf = append(pending[i+1:], b.buf...)
			}
			b.mu.Unlock()
			return err
		}
	}
	return nil
}
