package periodic

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrInvalidSchedule reports an unparsable or zero schedule.
var ErrInvalidSchedule = errors.New("periodic: invalid schedule")

// cronParser supports conventional cron with an optional leading seconds
// field (so both "0 6 * * MON-FRI" and "0 0 6 * * MON-FRI" parse) plus
// descriptors like "@every 30s". Day-of-month and day-of-week combine by
// OR when both are restricted, per conventional cron semantics.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Schedule describes when a periodic job fires: either a fixed interval
// or a cron expression. The zero value is invalid.
type Schedule struct {
	expr  string
	sched cronlib.Schedule
}

// Every returns a fixed-interval schedule. Intervals are rounded down to
// whole seconds with a 1s minimum, matching cron resolution.
//
// Due instants are aligned to the interval grid anchored at the Unix
// epoch, not at registration time. Instances started at different
// moments therefore compute identical due instants, which is what makes
// the (periodicID, dueInstant) deduplication key agree fleet-wide.
func Every(interval time.Duration) Schedule {
	interval = interval.Truncate(time.Second)
	if interval < time.Second {
		interval = time.Second
	}
	return Schedule{
		expr:  "@every " + interval.String(),
		sched: intervalSchedule{interval: interval},
	}
}

// intervalSchedule fires every interval on the epoch-aligned grid.
type intervalSchedule struct {
	interval time.Duration
}

// Next returns the first grid instant strictly after t.
func (s intervalSchedule) Next(t time.Time) time.Time {
	secs := int64(s.interval / time.Second)
	next := (t.Unix()/secs + 1) * secs
	return time.Unix(next, 0).UTC()
}

// Cron parses a cron expression (optionally with a seconds field) into a
// schedule.
func Cron(expr string) (Schedule, error) {
	return Parse(expr)
}

// MustCron is like Cron but panics on error. Use for hardcoded expressions.
func MustCron(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("periodic: must parse %q: %v", expr, err))
	}
	return s
}

// Parse parses the string form of a schedule: a cron expression or an
// "@every <duration>" descriptor. Inverse of String. The "@every" form
// parses into the epoch-aligned interval schedule, not robfig's
// start-relative one, so round trips preserve fleet-wide due instants.
func Parse(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidSchedule, expr, err)
		}
		return Every(d), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidSchedule, expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// IsZero reports whether the schedule is unset.
func (s Schedule) IsZero() bool { return s.sched == nil }

// String returns the parseable string form of the schedule, suitable for
// embedding in an envelope.
func (s Schedule) String() string { return s.expr }

// Next returns the first fire instant strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

// NextAfterCatchUp advances from t past now, collapsing any cycles missed
// during downtime into a single upcoming instant.
func (s Schedule) NextAfterCatchUp(t, now time.Time) time.Time {
	next := s.Next(t)
	for !next.IsZero() && !next.After(now) {
		next = s.Next(next)
	}
	return next
}
