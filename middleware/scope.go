package middleware

import (
	"context"

	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/scope"
)

// Scope returns middleware that guarantees handlers see a resource scope
// in their context. Batch execution installs a shared per-batch scope
// before the chain runs; when none is present (single-message execution)
// a fresh scope is opened for the job and closed afterwards.
func Scope() Middleware {
	return func(ctx context.Context, _ *job.Envelope, next Handler) error {
		if _, ok := scope.FromContext(ctx); ok {
			return next(ctx)
		}

		s := scope.New()
		defer s.Close() //nolint:errcheck // per-job scope teardown is best effort

		return next(scope.WithContext(ctx, s))
	}
}
