package dlq_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/job"
	memstore "github.com/enadzan/taskmq/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureEnqueue records replayed envelopes.
type captureEnqueue struct {
	mu   sync.Mutex
	envs []*job.Envelope
	err  error
}

func (c *captureEnqueue) enqueue(_ context.Context, env *job.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureEnqueue) all() []*job.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*job.Envelope(nil), c.envs...)
}

func newService(t *testing.T) (*dlq.Service, *captureEnqueue) {
	t.Helper()
	sink := &captureEnqueue{}
	return dlq.NewService(memstore.New(), sink.enqueue, discardLogger()), sink
}

func terminalEnvelope(jobType string, attempts int) *job.Envelope {
	env := job.New(jobType, []byte(`{"to":"x"}`))
	env.Attempt = attempts
	return env.Terminal(errors.New("gave up"))
}

func TestPushAndGet(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	env := terminalEnvelope("email.send", 25)
	e, err := svc.Push(ctx, env, "taskmq.retry")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EnvelopeID != env.ID {
		t.Errorf("EnvelopeID = %v, want %v", got.EnvelopeID, env.ID)
	}
	if got.JobType != "email.send" {
		t.Errorf("JobType = %q, want %q", got.JobType, "email.send")
	}
	if got.Attempts != 25 {
		t.Errorf("Attempts = %d, want 25", got.Attempts)
	}
	if got.Queue != "taskmq.retry" {
		t.Errorf("Queue = %q, want %q", got.Queue, "taskmq.retry")
	}
	if got.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want envelope default 5s", got.Timeout)
	}
	if got.Error == "" {
		t.Error("Error empty, want last failure recorded")
	}
	if got.ReplayedAt != nil {
		t.Error("fresh entry already marked replayed")
	}
}

func TestReplay_FreshFirstAttempt(t *testing.T) {
	svc, sink := newService(t)
	ctx := context.Background()

	env := terminalEnvelope("email.send", 25)
	e, err := svc.Push(ctx, env, "taskmq.retry")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := svc.Replay(ctx, e.ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	envs := sink.all()
	if len(envs) != 1 {
		t.Fatalf("enqueued = %d envelopes, want 1", len(envs))
	}
	replayed := envs[0]
	if replayed.Attempt != 0 {
		t.Errorf("replayed Attempt = %d, want 0", replayed.Attempt)
	}
	if replayed.ID == env.ID {
		t.Error("replayed envelope reused the original id")
	}
	if replayed.JobType != "email.send" {
		t.Errorf("replayed JobType = %q, want %q", replayed.JobType, "email.send")
	}
	if string(replayed.Args) != `{"to":"x"}` {
		t.Errorf("replayed Args = %s, want original args", replayed.Args)
	}

	// The archive entry stays, now marked replayed.
	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("entry not marked replayed")
	}
}

func TestReplay_PreservesTimeout(t *testing.T) {
	svc, sink := newService(t)
	ctx := context.Background()

	// A long-running job must replay with its original budget so the
	// router classifies it the same way on the second pass.
	env := job.New("report.build", nil, job.WithTimeout(2*time.Minute))
	env.Attempt = 25
	e, err := svc.Push(ctx, env.Terminal(errors.New("gave up")), "taskmq.retry")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if e.Timeout != 2*time.Minute {
		t.Fatalf("archived Timeout = %v, want 2m", e.Timeout)
	}

	if err := svc.Replay(ctx, e.ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	envs := sink.all()
	if len(envs) != 1 {
		t.Fatalf("enqueued = %d envelopes, want 1", len(envs))
	}
	if got := envs[0].Timeout; got != 2*time.Minute {
		t.Errorf("replayed Timeout = %v, want 2m", got)
	}
}

func TestReplay_MissingEntry(t *testing.T) {
	svc, _ := newService(t)

	err := svc.Replay(context.Background(), id.NewArchiveID())
	if !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Errorf("Replay(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestReplay_EnqueueErrorLeavesEntryFresh(t *testing.T) {
	svc, sink := newService(t)
	ctx := context.Background()

	e, err := svc.Push(ctx, terminalEnvelope("email.send", 5), "taskmq.retry")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	sink.err = errors.New("broker down")
	if err := svc.Replay(ctx, e.ID); err == nil {
		t.Fatal("Replay() error = nil, want enqueue error")
	}

	got, _ := svc.Get(ctx, e.ID)
	if got.ReplayedAt != nil {
		t.Error("entry marked replayed despite failed enqueue")
	}
}

func TestReplayAll_SkipsReplayed(t *testing.T) {
	svc, sink := newService(t)
	ctx := context.Background()

	var first *dlq.Entry
	for i := range 5 {
		e, err := svc.Push(ctx, terminalEnvelope("email.send", i+1), "taskmq.retry")
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if i == 0 {
			first = e
		}
	}
	if err := svc.Replay(ctx, first.ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	n, err := svc.ReplayAll(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	if n != 4 {
		t.Errorf("ReplayAll() = %d, want 4 (one already replayed)", n)
	}
	if got := len(sink.all()); got != 5 {
		t.Errorf("total enqueued = %d, want 5", got)
	}
}

func TestReplayAll_FilterByJobType(t *testing.T) {
	svc, sink := newService(t)
	ctx := context.Background()

	for _, jt := range []string{"email.send", "email.send", "report.build"} {
		if _, err := svc.Push(ctx, terminalEnvelope(jt, 1), "taskmq.retry"); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	n, err := svc.ReplayAll(ctx, dlq.Filter{JobType: "email.send"})
	if err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReplayAll(email.send) = %d, want 2", n)
	}
	for _, env := range sink.all() {
		if env.JobType != "email.send" {
			t.Errorf("replayed %q, want only email.send", env.JobType)
		}
	}
}

func TestPurge(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	e, err := svc.Push(ctx, terminalEnvelope("email.send", 1), "taskmq.retry")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := svc.Purge(ctx, e.ID); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := svc.Get(ctx, e.ID); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Errorf("Get(purged) error = %v, want ErrEntryNotFound", err)
	}
	if err := svc.Purge(ctx, e.ID); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Errorf("Purge(purged) error = %v, want ErrEntryNotFound", err)
	}
}

func TestReplay_NoEnqueueTarget(t *testing.T) {
	svc := dlq.NewService(memstore.New(), nil, discardLogger())

	if err := svc.Replay(context.Background(), id.NewArchiveID()); err == nil {
		t.Error("Replay() on read-only service error = nil, want error")
	}
	if _, err := svc.ReplayAll(context.Background(), dlq.Filter{}); err == nil {
		t.Error("ReplayAll() on read-only service error = nil, want error")
	}
}
