// Package dlq archives envelopes that exhausted their retries and lets
// an operator inspect, replay, or purge them. The archive is a side
// store next to the failed queue: the queue keeps the raw payload, the
// archive keeps a queryable record.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/job"
)

// ErrEntryNotFound is returned when an archive entry does not exist.
var ErrEntryNotFound = errors.New("taskmq: dead-letter entry not found")

// Entry is one archived failure.
type Entry struct {
	ID         id.ArchiveID  `json:"id"`
	EnvelopeID id.EnvelopeID `json:"envelope_id"`
	JobType    string        `json:"job_type"`
	Queue      string        `json:"queue"`
	Args       []byte        `json:"args"`
	Timeout    time.Duration `json:"timeout"`
	Error      string        `json:"error"`
	Attempts   int           `json:"attempts"`
	FailedAt   time.Time     `json:"failed_at"`
	ReplayedAt *time.Time    `json:"replayed_at,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	JobType  string
	Since    time.Time
	Until    time.Time
	Replayed *bool
	Limit    int
	Offset   int
}

// Store persists archive entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, archiveID id.ArchiveID) (*Entry, error)
	List(ctx context.Context, f Filter) ([]*Entry, error)
	MarkReplayed(ctx context.Context, archiveID id.ArchiveID, at time.Time) error
	Delete(ctx context.Context, archiveID id.ArchiveID) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EnqueueFunc re-publishes a replayed envelope. Wired to the
// dispatcher's publisher.
type EnqueueFunc func(ctx context.Context, env *job.Envelope) error
