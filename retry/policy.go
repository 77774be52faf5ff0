// Package retry decides what happens to an envelope after a failed
// execution: compute the next-attempt delay or declare the retry budget
// exhausted. The policy is stateless — the decision is a pure function of
// the attempt count.
package retry

import (
	"errors"
	"time"

	"github.com/enadzan/taskmq/backoff"
)

// DefaultMaxAttempts is the retry budget applied when a Policy does not
// set one.
const DefaultMaxAttempts = 25

// ErrExhausted marks a failure whose retry budget is spent. It wraps
// the last execution error on the terminal envelope's path to the
// failed queue.
var ErrExhausted = errors.New("retry: budget exhausted")

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	// Delay is how long to hold the successor envelope before
	// redelivery. Meaningful only when Exhausted is false.
	Delay time.Duration

	// Exhausted reports that the retry budget is spent and the envelope
	// must move to the failed queue.
	Exhausted bool
}

// Policy caps retries and delegates delay computation to a backoff
// strategy. The zero value is not usable; construct with NewPolicy.
type Policy struct {
	maxAttempts int
	strategy    backoff.Strategy
}

// NewPolicy creates a retry policy. maxAttempts <= 0 selects
// DefaultMaxAttempts; a nil strategy selects backoff.DefaultStrategy.
func NewPolicy(maxAttempts int, strategy backoff.Strategy) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if strategy == nil {
		strategy = backoff.DefaultStrategy()
	}
	return &Policy{maxAttempts: maxAttempts, strategy: strategy}
}

// DefaultPolicy returns the 25-attempt polynomial policy.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxAttempts, nil)
}

// MaxAttempts returns the retry budget.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Next returns the decision for an envelope that has failed with the
// given attempt count (the envelope's Attempt field at failure time,
// starting at 0 for the first execution).
func (p *Policy) Next(attempt int) Decision {
	if attempt >= p.maxAttempts {
		return Decision{Exhausted: true}
	}
	// The strategy is 1-indexed: attempt 0 failing asks for retry 1.
	return Decision{Delay: p.strategy.Delay(attempt + 1)}
}
