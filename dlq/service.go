package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/job"
)

// replayConcurrency bounds parallel re-publishes during ReplayAll.
const replayConcurrency = 8

// Service is the operator surface over the failure archive.
type Service struct {
	store   Store
	enqueue EnqueueFunc
	logger  *slog.Logger
}

// NewService creates a Service. enqueue may be nil when the service is
// used read-only; Replay then returns an error.
func NewService(store Store, enqueue EnqueueFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, enqueue: enqueue, logger: logger}
}

// Push archives one terminal envelope.
func (s *Service) Push(ctx context.Context, env *job.Envelope, queueName string) (*Entry, error) {
	e := &Entry{
		ID:         id.NewArchiveID(),
		EnvelopeID: env.ID,
		JobType:    env.JobType,
		Queue:      queueName,
		Args:       env.Args,
		Timeout:    env.Timeout,
		Error:      env.LastError,
		Attempts:   env.Attempt,
		FailedAt:   time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("dlq: archive envelope %s: %w", env.ID, err)
	}
	s.logger.Warn("envelope archived after exhausting retries",
		slog.String("envelope_id", env.ID.String()),
		slog.String("job_type", env.JobType),
		slog.Int("attempts", env.Attempt),
		slog.String("error", env.LastError),
	)
	return e, nil
}

// Get fetches one archive entry.
func (s *Service) Get(ctx context.Context, archiveID id.ArchiveID) (*Entry, error) {
	return s.store.Get(ctx, archiveID)
}

// List returns archive entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Entry, error) {
	return s.store.List(ctx, f)
}

// Replay re-publishes an archived envelope as a fresh first attempt and
// marks the entry replayed. The entry stays in the archive.
func (s *Service) Replay(ctx context.Context, archiveID id.ArchiveID) error {
	if s.enqueue == nil {
		return fmt.Errorf("dlq: replay %s: service has no enqueue target", archiveID)
	}
	e, err := s.store.Get(ctx, archiveID)
	if err != nil {
		return err
	}

	// The replayed envelope keeps the original time budget so a
	// long-running job re-enters its original queue class.
	var opts []job.Option
	if e.Timeout > 0 {
		opts = append(opts, job.WithTimeout(e.Timeout))
	}
	env := job.New(e.JobType, e.Args, opts...)
	if err := s.enqueue(ctx, env); err != nil {
		return fmt.Errorf("dlq: replay %s: %w", archiveID, err)
	}

	now := time.Now().UTC()
	if err := s.store.MarkReplayed(ctx, archiveID, now); err != nil {
		return fmt.Errorf("dlq: mark %s replayed: %w", archiveID, err)
	}
	s.logger.Info("archived envelope replayed",
		slog.String("archive_id", archiveID.String()),
		slog.String("job_type", e.JobType),
	)
	return nil
}

// ReplayAll replays every entry matching the filter that has not been
// replayed yet. Returns the number of entries replayed; stops on the
// first error.
func (s *Service) ReplayAll(ctx context.Context, f Filter) (int, error) {
	if s.enqueue == nil {
		return 0, fmt.Errorf("dlq: replay all: service has no enqueue target")
	}
	fresh := false
	f.Replayed = &fresh
	entries, err := s.store.List(ctx, f)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replayConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			return s.Replay(gctx, e.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Purge deletes one archive entry.
func (s *Service) Purge(ctx context.Context, archiveID id.ArchiveID) error {
	return s.store.Delete(ctx, archiveID)
}

// PurgeBefore deletes entries that failed before the cutoff. Returns
// the number deleted.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.store.DeleteBefore(ctx, cutoff)
}
