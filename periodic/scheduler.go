package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/enadzan/taskmq/hook"
	"github.com/enadzan/taskmq/id"
	"github.com/enadzan/taskmq/job"
	"github.com/enadzan/taskmq/queue"
	"github.com/enadzan/taskmq/transport"
)

// ErrDuplicateID reports a periodic id registered twice. Periodic ids
// are the cluster-wide deduplication key and must be unique across all
// registrations in a deployment.
var ErrDuplicateID = errors.New("periodic: duplicate periodic id")

// EnqueueFunc is the callback the scheduler uses to publish the job body
// of a won occurrence through the normal dispatch path. This breaks the
// import cycle: the dispatcher provides the implementation.
type EnqueueFunc func(ctx context.Context, env *job.Envelope) error

// Registration describes one periodic job. The table of registrations is
// local per instance, written only before the scheduler starts, and is
// expected to be identical on every instance of a deployment.
type Registration struct {
	// PeriodicID is the unique deduplication key.
	PeriodicID string

	// JobType and Args are copied into every occurrence envelope.
	JobType string
	Args    []byte

	// Schedule decides the due instants.
	Schedule Schedule

	// Timeout is the execution budget for each occurrence. Zero selects
	// the envelope default.
	Timeout time.Duration

	// nextDueAt is owned exclusively by the scheduler tick loop.
	nextDueAt time.Time
}

// occurrence is the claim message published for one (periodicID, due)
// pair. It carries everything the winning instance needs to construct
// the job envelope, so a winner never consults its own table.
type occurrence struct {
	OccurrenceID id.OccurrenceID `json:"occurrence_id"`
	PeriodicID   string          `json:"periodic_id"`
	Due          time.Time       `json:"due"`
	JobType      string          `json:"job_type"`
	Args         []byte          `json:"args,omitempty"`
	Timeout      time.Duration   `json:"timeout"`
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due
// registrations.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// Scheduler runs the registration table on a tick loop and consumes the
// claim queues. Every instance runs one; the transport-level idempotent
// publish keeps occurrences unique cluster-wide.
type Scheduler struct {
	tr        transport.Transport
	namespace string
	enqueue   EnqueueFunc
	hooks     *hook.Registry
	workerID  id.WorkerID
	logger    *slog.Logger

	tickInterval time.Duration

	mu         sync.Mutex
	regs       map[string]*Registration
	claimStops map[string]context.CancelFunc

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	tr transport.Transport,
	namespace string,
	enqueue EnqueueFunc,
	hooks *hook.Registry,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tr:           tr,
		namespace:    namespace,
		enqueue:      enqueue,
		hooks:        hooks,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		regs:         make(map[string]*Registration),
		claimStops:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a periodic job to the table and declares its claim
// queue. Registration happens at startup, before Start; a duplicate id
// is rejected synchronously.
func (s *Scheduler) Register(ctx context.Context, reg Registration) error {
	if reg.PeriodicID == "" {
		return fmt.Errorf("periodic: register %q: empty periodic id", reg.JobType)
	}
	if reg.JobType == "" {
		return fmt.Errorf("periodic: register %q: empty job type", reg.PeriodicID)
	}
	if reg.Schedule.IsZero() {
		return fmt.Errorf("periodic: register %q: %w", reg.PeriodicID, ErrInvalidSchedule)
	}
	if reg.Timeout <= 0 {
		reg.Timeout = job.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.regs[reg.PeriodicID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateID, reg.PeriodicID)
	}

	claimQueue := queue.ClaimName(s.namespace, reg.PeriodicID)
	// A one-slot drop-new queue: transports that deduplicate through
	// queue capacity (AMQP) need it, the others just get a small bound.
	claimOpts := transport.QueueOptions{Durable: true, MaxLength: 1, RejectOverflow: true}
	if err := s.tr.DeclareQueue(ctx, claimQueue, claimOpts); err != nil {
		return fmt.Errorf("periodic: declare claim queue %s: %w", claimQueue, err)
	}

	reg.nextDueAt = reg.Schedule.Next(time.Now().UTC())
	s.regs[reg.PeriodicID] = &reg

	if s.running {
		s.startClaimLoop(&reg)
	}

	s.logger.Info("periodic job registered",
		slog.String("periodic_id", reg.PeriodicID),
		slog.String("job_type", reg.JobType),
		slog.String("schedule", reg.Schedule.String()),
		slog.Time("next_due_at", reg.nextDueAt),
	)
	return nil
}

// Cancel removes a periodic registration from this instance and stops
// its claim consumer. Other instances still registered keep firing the
// job; cancelling cluster-wide means cancelling on every instance.
func (s *Scheduler) Cancel(periodicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regs[periodicID]; !ok {
		return fmt.Errorf("periodic: cancel %q: not registered", periodicID)
	}
	delete(s.regs, periodicID)
	if stop, ok := s.claimStops[periodicID]; ok {
		stop()
		delete(s.claimStops, periodicID)
	}

	s.logger.Info("periodic job cancelled", slog.String("periodic_id", periodicID))
	return nil
}

// Registered returns the ids of all registered periodic jobs.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.regs))
	for pid := range s.regs {
		ids = append(ids, pid)
	}
	return ids
}

// Start launches the tick loop and one claim consumer per registration.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.cancel = cancel

	s.wg.Add(1)
	go s.tickLoop(ctx)

	for _, reg := range s.regs {
		s.startClaimLoop(reg)
	}

	s.logger.Info("periodic scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("registrations", len(s.regs)),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for its goroutines.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("periodic scheduler stopped")
	return nil
}

// tickLoop fires on each tick interval and claims due registrations.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reg := range s.regs {
		if reg.nextDueAt.IsZero() || reg.nextDueAt.After(now) {
			continue
		}
		due := reg.nextDueAt
		if err := s.claim(ctx, reg, due); err != nil {
			// Keep nextDueAt so the claim is retried next tick rather
			// than the occurrence being dropped.
			s.logger.Error("periodic claim publish error",
				slog.String("periodic_id", reg.PeriodicID),
				slog.Time("due", due),
				slog.String("error", err.Error()),
			)
			continue
		}
		reg.nextDueAt = reg.Schedule.NextAfterCatchUp(due, now)
	}
}

// claim publishes the occurrence message for (periodicID, due). The
// publish is idempotent per key: when every instance of the fleet calls
// this for the same due instant, exactly one message lands on the claim
// queue.
func (s *Scheduler) claim(ctx context.Context, reg *Registration, due time.Time) error {
	occ := occurrence{
		OccurrenceID: id.NewOccurrenceID(),
		PeriodicID:   reg.PeriodicID,
		Due:          due,
		JobType:      reg.JobType,
		Args:         reg.Args,
		Timeout:      reg.Timeout,
	}
	body, err := json.Marshal(occ)
	if err != nil {
		return fmt.Errorf("periodic: marshal occurrence: %w", err)
	}

	dueUnix := strconv.FormatInt(due.Unix(), 10)
	headers := transport.Headers{
		transport.HeaderPeriodicID: reg.PeriodicID,
		transport.HeaderDue:        dueUnix,
	}
	claimQueue := queue.ClaimName(s.namespace, reg.PeriodicID)
	dedupKey := reg.PeriodicID + "@" + dueUnix

	return s.tr.PublishUnique(ctx, claimQueue, dedupKey, body, headers)
}

// startClaimLoop launches the consumer for one registration's claim
// queue. Caller holds s.mu and the scheduler is running.
func (s *Scheduler) startClaimLoop(reg *Registration) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.claimStops[reg.PeriodicID] = cancel
	s.wg.Add(1)
	go s.claimLoop(ctx, queue.ClaimName(s.namespace, reg.PeriodicID))
}

// claimLoop drains one claim queue. Receiving a delivery means this
// instance won the occurrence: it republishes the job body through the
// normal dispatch path and acknowledges the claim.
func (s *Scheduler) claimLoop(ctx context.Context, claimQueue string) {
	defer s.wg.Done()

	deliveries, err := s.tr.Consume(ctx, claimQueue)
	if err != nil {
		s.logger.Error("periodic claim consume error",
			slog.String("queue", claimQueue),
			slog.String("error", err.Error()),
		)
		return
	}

	for d := range deliveries {
		s.won(ctx, claimQueue, d)
	}
}

func (s *Scheduler) won(ctx context.Context, claimQueue string, d transport.Delivery) {
	var occ occurrence
	if err := json.Unmarshal(d.Body, &occ); err != nil {
		s.logger.Error("periodic claim unreadable, dropping",
			slog.String("queue", claimQueue),
			slog.String("error", err.Error()),
		)
		_ = s.tr.Nack(ctx, d, false)
		return
	}

	env := job.New(occ.JobType, occ.Args, job.WithTimeout(occ.Timeout))

	if err := s.enqueue(ctx, env); err != nil {
		// Leave the claim on the queue: another instance (or this one,
		// later) will pick it up. The occurrence is delayed, not lost.
		s.logger.Error("periodic occurrence enqueue error",
			slog.String("periodic_id", occ.PeriodicID),
			slog.Time("due", occ.Due),
			slog.String("error", err.Error()),
		)
		_ = s.tr.Nack(ctx, d, true)
		return
	}

	_ = s.tr.Ack(ctx, d)
	s.hooks.EmitPeriodicFired(ctx, occ.PeriodicID, occ.Due, env)

	s.logger.Info("periodic occurrence fired",
		slog.String("periodic_id", occ.PeriodicID),
		slog.String("job_type", occ.JobType),
		slog.Time("due", occ.Due),
		slog.String("envelope_id", env.ID.String()),
	)
}
