package job

import "time"

// Options configures per-envelope behavior at publish time.
type Options struct {
	// Timeout is the execution time budget for the job.
	Timeout time.Duration

	// Delay postpones execution by the given duration. Takes precedence
	// over RunAt when both are set.
	Delay time.Duration

	// RunAt schedules the job for a specific instant. Zero means immediate.
	RunAt time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: DefaultTimeout,
	}
}

// Option is a functional option for configuring an envelope.
type Option func(*Options)

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithDelay postpones the job's earliest execution by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithOptions copies every non-zero field of base. Used to seed an
// envelope with a job type's registered defaults before the per-publish
// options apply.
func WithOptions(base Options) Option {
	return func(o *Options) {
		if base.Timeout > 0 {
			o.Timeout = base.Timeout
		}
		if base.Delay > 0 {
			o.Delay = base.Delay
		}
		if !base.RunAt.IsZero() {
			o.RunAt = base.RunAt
		}
	}
}
