package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/id"
)

type deadLetterModel struct {
	bun.BaseModel `bun:"table:taskmq_dead_letters"`

	ID         string     `bun:"id,pk"`
	EnvelopeID string     `bun:"envelope_id,notnull"`
	JobType    string     `bun:"job_type,notnull"`
	Queue      string     `bun:"queue,notnull"`
	Args       []byte     `bun:"args,type:bytea"`
	TimeoutNS  int64      `bun:"timeout_ns,notnull,default:0"`
	Error      string     `bun:"error"`
	Attempts   int        `bun:"attempts,notnull,default:0"`
	FailedAt   time.Time  `bun:"failed_at,notnull,default:current_timestamp"`
	ReplayedAt *time.Time `bun:"replayed_at"`
}

func toDeadLetterModel(e *dlq.Entry) *deadLetterModel {
	return &deadLetterModel{
		ID:         e.ID.String(),
		EnvelopeID: e.EnvelopeID.String(),
		JobType:    e.JobType,
		Queue:      e.Queue,
		Args:       e.Args,
		TimeoutNS:  int64(e.Timeout),
		Error:      e.Error,
		Attempts:   e.Attempts,
		FailedAt:   e.FailedAt,
		ReplayedAt: e.ReplayedAt,
	}
}

func fromDeadLetterModel(m *deadLetterModel) (*dlq.Entry, error) {
	archiveID, err := id.ParseArchiveID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("taskmq/bun: parse archive id %q: %w", m.ID, err)
	}
	envelopeID, err := id.ParseEnvelopeID(m.EnvelopeID)
	if err != nil {
		return nil, fmt.Errorf("taskmq/bun: parse envelope id %q: %w", m.EnvelopeID, err)
	}
	return &dlq.Entry{
		ID:         archiveID,
		EnvelopeID: envelopeID,
		JobType:    m.JobType,
		Queue:      m.Queue,
		Args:       m.Args,
		Timeout:    time.Duration(m.TimeoutNS),
		Error:      m.Error,
		Attempts:   m.Attempts,
		FailedAt:   m.FailedAt,
		ReplayedAt: m.ReplayedAt,
	}, nil
}
