package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-class dequeue behaviour for the local worker pool.
type Config struct {
	// Class is the queue class this configuration applies to.
	Class Class

	// MaxConcurrency limits how many jobs from this class may run
	// simultaneously across the local worker pool. Zero means no
	// class-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// dequeued from this class. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// classState tracks runtime state for a single class.
type classState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-class rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	classes map[Class]*classState
}

// NewManager creates a Manager with the given class configurations.
// Classes not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		classes: make(map[Class]*classState, len(configs)),
	}
	for _, cfg := range configs {
		m.classes[cfg.Class] = newClassState(cfg)
	}
	return m
}

func newClassState(cfg Config) *classState {
	cs := &classState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return cs
}

// Acquire checks rate limits and concurrency for the given class. If the
// job is allowed to proceed it increments the active counter and returns
// true. The caller MUST call Release when the job completes.
func (m *Manager) Acquire(c Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.classes[c]
	if cs == nil {
		return true
	}

	if cs.limiter != nil && !cs.limiter.Allow() {
		return false
	}
	if cs.config.MaxConcurrency > 0 && cs.active >= cs.config.MaxConcurrency {
		return false
	}

	cs.active++
	return true
}

// Release decrements the active job count for the class.
func (m *Manager) Release(c Class) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs := m.classes[c]; cs != nil && cs.active > 0 {
		cs.active--
	}
}

// SetConfig dynamically updates (or creates) a class configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.classes[cfg.Class]
	cs := newClassState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		cs.active = existing.active
	}
	m.classes[cfg.Class] = cs
}

// ActiveCount returns the current number of active jobs for a class.
func (m *Manager) ActiveCount(c Class) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.classes[c]; cs != nil {
		return cs.active
	}
	return 0
}
