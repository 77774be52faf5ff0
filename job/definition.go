package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the argument type (must be serializable by the configured codec).
type Definition[T any] struct {
	// JobType is the unique identifier for this job kind.
	JobType string

	// Handler is the function that processes the job arguments.
	Handler func(ctx context.Context, args T) error

	// Opts configures timeout and scheduling defaults.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, args T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		JobType: jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
