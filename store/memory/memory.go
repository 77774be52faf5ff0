// Package memstore provides an in-memory failure archive for tests and
// single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/enadzan/taskmq/dlq"
	"github.com/enadzan/taskmq/id"
)

var _ dlq.Store = (*Store)(nil)

// Store is an in-memory dlq.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*dlq.Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*dlq.Entry)}
}

// Insert stores a copy of the entry.
func (s *Store) Insert(_ context.Context, e *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID.String()] = &cp
	return nil
}

// Get returns a copy of the entry.
func (s *Store) Get(_ context.Context, archiveID id.ArchiveID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[archiveID.String()]
	if !ok {
		return nil, dlq.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// List returns matching entries ordered newest first.
func (s *Store) List(_ context.Context, f dlq.Filter) ([]*dlq.Entry, error) {
	s.mu.RLock()
	matched := make([]*dlq.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !matches(e, f) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].FailedAt.After(matched[j].FailedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// MarkReplayed stamps the entry's replay time.
func (s *Store) MarkReplayed(_ context.Context, archiveID id.ArchiveID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[archiveID.String()]
	if !ok {
		return dlq.ErrEntryNotFound
	}
	e.ReplayedAt = &at
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(_ context.Context, archiveID id.ArchiveID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[archiveID.String()]; !ok {
		return dlq.ErrEntryNotFound
	}
	delete(s.entries, archiveID.String())
	return nil
}

// DeleteBefore removes entries that failed before the cutoff.
func (s *Store) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.FailedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func matches(e *dlq.Entry, f dlq.Filter) bool {
	if f.JobType != "" && e.JobType != f.JobType {
		return false
	}
	if !f.Since.IsZero() && e.FailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.FailedAt.Before(f.Until) {
		return false
	}
	if f.Replayed != nil && (e.ReplayedAt != nil) != *f.Replayed {
		return false
	}
	return true
}
