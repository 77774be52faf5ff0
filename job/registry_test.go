package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enadzan/taskmq/job"
)

type emailArgs struct {
	To string `json:"to"`
}

func TestRegisterDefinition_DecodesArgs(t *testing.T) {
	r := job.NewRegistry(nil)

	var got emailArgs
	job.RegisterDefinition(r, job.NewDefinition("email.send", func(_ context.Context, args emailArgs) error {
		got = args
		return nil
	}))

	h, err := r.Create("email.send")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h(context.Background(), []byte(`{"to":"a@b.c"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got.To != "a@b.c" {
		t.Errorf("decoded To = %q, want %q", got.To, "a@b.c")
	}
}

func TestRegisterDefinition_EmptyArgsSkipDecode(t *testing.T) {
	r := job.NewRegistry(nil)

	called := false
	job.RegisterDefinition(r, job.NewDefinition("tick", func(_ context.Context, _ struct{}) error {
		called = true
		return nil
	}))

	h, _ := r.Create("tick")
	if err := h(context.Background(), nil); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if !called {
		t.Error("handler not called for empty args")
	}
}

func TestCreate_UnknownType(t *testing.T) {
	r := job.NewRegistry(nil)

	_, err := r.Create("nope")
	if !errors.Is(err, job.ErrUnknownType) {
		t.Errorf("Create() error = %v, want ErrUnknownType", err)
	}
}

func TestDefaultsFor(t *testing.T) {
	r := job.NewRegistry(nil)
	r.Register("slow", func(context.Context, []byte) error { return nil },
		job.WithTimeout(time.Minute))

	if got := r.DefaultsFor("slow").Timeout; got != time.Minute {
		t.Errorf("DefaultsFor(slow).Timeout = %v, want 1m", got)
	}
	if got := r.DefaultsFor("unknown").Timeout; got != job.DefaultTimeout {
		t.Errorf("DefaultsFor(unknown).Timeout = %v, want default", got)
	}
}

func TestWithOptions_CopiesNonZeroFields(t *testing.T) {
	base := job.Options{Timeout: time.Minute}

	o := job.DefaultOptions()
	job.WithOptions(base)(&o)
	if o.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", o.Timeout)
	}

	// A later per-publish option still overrides the seeded default.
	job.WithTimeout(time.Second)(&o)
	if o.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", o.Timeout)
	}
}
