package retry_test

import (
	"testing"
	"time"

	"github.com/enadzan/taskmq/backoff"
	"github.com/enadzan/taskmq/retry"
)

func TestPolicy_Next_DelaysGrow(t *testing.T) {
	p := retry.DefaultPolicy()

	prev := time.Duration(0)
	for attempt := 0; attempt < retry.DefaultMaxAttempts; attempt++ {
		d := p.Next(attempt)
		if d.Exhausted {
			t.Fatalf("Next(%d).Exhausted = true, want retry", attempt)
		}
		if d.Delay <= prev {
			t.Fatalf("Next(%d).Delay = %v, not greater than previous %v", attempt, d.Delay, prev)
		}
		prev = d.Delay
	}
}

func TestPolicy_Next_ExhaustsAtBudget(t *testing.T) {
	p := retry.NewPolicy(3, backoff.NewConstant(time.Second))

	tests := []struct {
		attempt   int
		exhausted bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{10, true},
	}
	for _, tt := range tests {
		d := p.Next(tt.attempt)
		if d.Exhausted != tt.exhausted {
			t.Errorf("Next(%d).Exhausted = %v, want %v", tt.attempt, d.Exhausted, tt.exhausted)
		}
		if !tt.exhausted && d.Delay != time.Second {
			t.Errorf("Next(%d).Delay = %v, want %v", tt.attempt, d.Delay, time.Second)
		}
	}
}

func TestPolicy_Next_StrategyIsOneIndexed(t *testing.T) {
	p := retry.NewPolicy(5, backoff.NewLinear(time.Second, time.Minute))

	// Attempt 0 failing asks the strategy for retry 1.
	if d := p.Next(0); d.Delay != time.Second {
		t.Errorf("Next(0).Delay = %v, want %v", d.Delay, time.Second)
	}
	if d := p.Next(3); d.Delay != 4*time.Second {
		t.Errorf("Next(3).Delay = %v, want %v", d.Delay, 4*time.Second)
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := retry.NewPolicy(0, nil)
	if p.MaxAttempts() != retry.DefaultMaxAttempts {
		t.Errorf("MaxAttempts() = %d, want %d", p.MaxAttempts(), retry.DefaultMaxAttempts)
	}
	if d := p.Next(0); d.Exhausted || d.Delay != 16*time.Second {
		t.Errorf("Next(0) = %+v, want 16s polynomial delay", d)
	}
}
