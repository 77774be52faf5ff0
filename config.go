package taskmq

import (
	"time"

	"github.com/enadzan/taskmq/queue"
)

// Config holds configuration for the Dispatcher.
type Config struct {
	// Namespace prefixes every physical queue name so multiple
	// deployments can share one broker.
	Namespace string

	// Concurrency is the number of concurrent consumer loops per
	// consumed queue class. Classes without an entry use the defaults
	// (regular: 10, long-running: 2, retry: 5).
	Concurrency map[queue.Class]int

	// BatchSize is the maximum number of ready deliveries a consumer
	// loop groups into one execution scope. Jobs in a batch share
	// per-scope resources but fail individually.
	BatchSize int

	// FlushThreshold is the buffered-publish count at which a batch
	// publish scope flushes eagerly to the transport.
	FlushThreshold int

	// TickInterval is how often the periodic scheduler checks for due
	// registrations.
	TickInterval time.Duration

	// DefaultTimeout is the execution time budget applied to envelopes
	// that do not set one.
	DefaultTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace: "taskmq",
		Concurrency: map[queue.Class]int{
			queue.Regular:     10,
			queue.LongRunning: 2,
			queue.Retry:       5,
		},
		BatchSize:       100,
		FlushThreshold:  100,
		TickInterval:    1 * time.Second,
		DefaultTimeout:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
