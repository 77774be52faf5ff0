package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/enadzan/taskmq/job"
)

// Timeout returns middleware that enforces the envelope's execution time
// budget. The handler runs with a context that expires at the deadline;
// if it has not returned by then the execution is treated as failed.
// Enforcement is not preemptive — a handler that ignores its context
// keeps running, but its eventual result is discarded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *job.Envelope, next Handler) error {
		if env.Timeout <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, env.Timeout)
		defer cancel()

		// The handler runs on its own goroutine so a deadline breach can
		// be reported without waiting for it. A panic on that goroutine
		// would escape any recover installed further out on the chain,
		// so it is caught here and surfaced as an ordinary failure.
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("job handler panicked",
						slog.String("job_type", env.JobType),
						slog.String("envelope_id", env.ID.String()),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					done <- fmt.Errorf("panic in job %s: %v", env.JobType, r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			logger.Warn("job exceeded time budget",
				slog.String("job_type", env.JobType),
				slog.String("envelope_id", env.ID.String()),
				slog.Duration("timeout", env.Timeout),
			)
			return fmt.Errorf("job %s timed out after %v: %w", env.JobType, env.Timeout, ctx.Err())
		}
	}
}
