package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/id"
)

// Insert archives a failed envelope.
func (s *Store) Insert(ctx context.Context, e *dlq.Entry) error {
	m := toDeadLetterModel(e)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("taskmq/bun: dead letter %s already archived: %w", e.ID, err)
		}
		return fmt.Errorf("taskmq/bun: insert dead letter: %w", err)
	}
	return nil
}

// Get retrieves an archive entry by ID.
func (s *Store) Get(ctx context.Context, archiveID id.ArchiveID) (*dlq.Entry, error) {
	m := new(deadLetterModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", archiveID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dlq.ErrEntryNotFound
		}
		return nil, fmt.Errorf("taskmq/bun: get dead letter: %w", err)
	}
	return fromDeadLetterModel(m)
}

// List returns archive entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f dlq.Filter) ([]*dlq.Entry, error) {
	var models []deadLetterModel
	q := s.db.NewSelect().Model(&models)

	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	if !f.Since.IsZero() {
		q = q.Where("failed_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("failed_at < ?", f.Until)
	}
	if f.Replayed != nil {
		if *f.Replayed {
			q = q.Where("replayed_at IS NOT NULL")
		} else {
			q = q.Where("replayed_at IS NULL")
		}
	}

	q = q.Order("failed_at DESC")

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("taskmq/bun: list dead letters: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDeadLetterModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("taskmq/bun: list dead letters convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkReplayed stamps an archive entry's replay time.
func (s *Store) MarkReplayed(ctx context.Context, archiveID id.ArchiveID, at time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("taskmq_dead_letters").
		Set("replayed_at = ?", at).
		Where("id = ?", archiveID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskmq/bun: mark dead letter replayed: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return dlq.ErrEntryNotFound
	}
	return nil
}

// Delete removes one archive entry.
func (s *Store) Delete(ctx context.Context, archiveID id.ArchiveID) error {
	res, err := s.db.NewDelete().
		TableExpr("taskmq_dead_letters").
		Where("id = ?", archiveID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskmq/bun: delete dead letter: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return dlq.ErrEntryNotFound
	}
	return nil
}

// DeleteBefore removes entries that failed before the cutoff. Returns
// the number of entries removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.NewDelete().
		TableExpr("taskmq_dead_letters").
		Where("failed_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskmq/bun: purge dead letters: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}
