package scope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/enadzan/taskmq/scope"
)

// closer records close order into a shared slice.
type closer struct {
	name  string
	order *[]string
	err   error
}

func (c *closer) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestGetOrOpen_OpensOnce(t *testing.T) {
	s := scope.New()
	defer s.Close()

	opens := 0
	open := func() (any, error) {
		opens++
		return "conn", nil
	}

	for range 3 {
		v, err := s.GetOrOpen("db", open)
		if err != nil {
			t.Fatalf("GetOrOpen() error = %v", err)
		}
		if v != "conn" {
			t.Fatalf("GetOrOpen() = %v, want %q", v, "conn")
		}
	}
	if opens != 1 {
		t.Errorf("open called %d times, want 1", opens)
	}

	if _, ok := s.Get("db"); !ok {
		t.Error("Get() did not find opened resource")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get() found a resource that was never opened")
	}
}

func TestGetOrOpen_OpenErrorNotCached(t *testing.T) {
	s := scope.New()
	defer s.Close()

	fail := errors.New("dial failed")
	if _, err := s.GetOrOpen("db", func() (any, error) { return nil, fail }); !errors.Is(err, fail) {
		t.Fatalf("GetOrOpen() error = %v, want %v", err, fail)
	}

	// A failed open leaves the slot empty so a later attempt can succeed.
	v, err := s.GetOrOpen("db", func() (any, error) { return "conn", nil })
	if err != nil || v != "conn" {
		t.Errorf("GetOrOpen() after failure = %v, %v; want conn, nil", v, err)
	}
}

func TestClose_ReverseOrder(t *testing.T) {
	s := scope.New()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := s.GetOrOpen(name, func() (any, error) {
			return &closer{name: name, order: &order}, nil
		}); err != nil {
			t.Fatalf("GetOrOpen(%s) error = %v", name, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("close order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
}

func TestClose_FirstErrorWinsAllClosersRun(t *testing.T) {
	s := scope.New()

	var order []string
	first := errors.New("first close error")
	second := errors.New("second close error")

	_, _ = s.GetOrOpen("a", func() (any, error) { return &closer{name: "a", order: &order, err: second}, nil })
	_, _ = s.GetOrOpen("b", func() (any, error) { return &closer{name: "b", order: &order, err: first}, nil })

	// Reverse order closes b first, so its error is reported.
	if err := s.Close(); !errors.Is(err, first) {
		t.Errorf("Close() error = %v, want %v", err, first)
	}
	if len(order) != 2 {
		t.Errorf("closers run = %d, want 2", len(order))
	}
}

func TestGetOrOpen_AfterClose(t *testing.T) {
	s := scope.New()
	_ = s.Close()

	if _, err := s.GetOrOpen("db", func() (any, error) { return "conn", nil }); err == nil {
		t.Error("GetOrOpen() on closed scope error = nil, want error")
	}
}

func TestContext_RoundTrip(t *testing.T) {
	if _, ok := scope.FromContext(context.Background()); ok {
		t.Error("FromContext(empty) found a scope")
	}

	s := scope.New()
	defer s.Close()
	ctx := scope.WithContext(context.Background(), s)

	got, ok := scope.FromContext(ctx)
	if !ok || got != s {
		t.Errorf("FromContext() = %v, %v; want original scope", got, ok)
	}
}
