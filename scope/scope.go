// Package scope provides an explicit resource-lifetime handle for job
// execution. A Scope is opened before a batch of jobs runs and closed
// after, so expensive shared resources (a connection, a session) are
// opened once per batch instead of once per job.
package scope

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Scope holds resources shared by the jobs of one execution batch.
// Safe for concurrent use; a scope never leaks into another batch.
type Scope struct {
	mu      sync.Mutex
	values  map[string]any
	order   []string
	closed  bool
}

// New returns an empty scope.
func New() *Scope {
	return &Scope{values: make(map[string]any)}
}

// GetOrOpen returns the resource stored under key, opening it with open
// on first use. Open is called at most once per key per scope.
func (s *Scope) GetOrOpen(key string, open func() (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("scope: closed")
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}

	v, err := open()
	if err != nil {
		return nil, err
	}
	s.values[key] = v
	s.order = append(s.order, key)
	return v, nil
}

// Get returns the resource stored under key, if any.
func (s *Scope) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Close releases every resource implementing io.Closer, in reverse open
// order. The first close error is returned; all closers still run.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		if c, ok := s.values[s.order[i]].(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type ctxKey struct{}

// WithContext attaches a scope to the context.
func WithContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext extracts the scope attached to the context, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Scope)
	return s, ok
}
