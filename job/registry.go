package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler that accepts raw argument bytes.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over argument decoding + the typed handler.
type HandlerFunc func(ctx context.Context, args []byte) error

// Factory produces an executable handler for a job-type identifier.
// The worker pool depends on this interface only; Registry is the
// in-process implementation.
type Factory interface {
	// Create returns the handler for the given job type, or an error if
	// no job of that type is known.
	Create(jobType string) (HandlerFunc, error)
}

// DecodeFunc decodes raw argument bytes into a typed value.
type DecodeFunc func(data []byte, v any) error

// Registry maps job-type identifiers to type-erased handler functions
// and the per-type envelope defaults. It is safe for concurrent use.
type Registry struct {
	decode DecodeFunc

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	opts     map[string]Options
}

// NewRegistry creates an empty job registry. Arguments are decoded with
// decode; nil means encoding/json.
func NewRegistry(decode DecodeFunc) *Registry {
	if decode == nil {
		decode = json.Unmarshal
	}
	return &Registry{
		decode:   decode,
		handlers: make(map[string]HandlerFunc),
		opts:     make(map[string]Options),
	}
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that decodes the arguments into T before calling
// the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, args []byte) error {
		var t T
		if len(args) > 0 {
			if err := r.decode(args, &t); err != nil {
				return fmt.Errorf("decode args for job %q: %w", def.JobType, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.JobType] = handler
	r.opts[def.JobType] = def.Opts
}

// Register registers a raw, untyped handler for a job type.
func (r *Registry) Register(jobType string, handler HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
	r.opts[jobType] = o
}

// Create returns the handler for the given job type.
func (r *Registry) Create(jobType string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	return h, nil
}

// DefaultsFor returns the registered envelope options for a job type.
// Unknown types get DefaultOptions.
func (r *Registry) DefaultsFor(jobType string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.opts[jobType]; ok {
		return o
	}
	return DefaultOptions()
}

// Types returns all registered job-type identifiers.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

var _ Factory = (*Registry)(nil)
