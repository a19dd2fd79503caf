// Package schedule answers the two time questions of the retention engine:
// whether a cron pattern fired since a given instant, and where the sliding
// keep-age window of an interval starts.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron is a parsed cron pattern.
type Cron struct {
	pattern  string
	schedule cron.Schedule
}

// ParseCron parses a standard five-field cron pattern or a descriptor such
// as "@hourly" or "@daily".
func ParseCron(pattern string) (*Cron, error) {
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid cron pattern %q: %w", pattern, err)
	}
	return &Cron{pattern: pattern, schedule: sched}, nil
}

// MustParseCron is like ParseCron but panics on error. Intended for tests.
func MustParseCron(pattern string) *Cron {
	c, err := ParseCron(pattern)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the pattern the schedule was parsed from.
func (c *Cron) String() string {
	return c.pattern
}

// OccurredSince reports whether the pattern fired at least once in the
// window (since, now]. With inclusive set, since itself counts as well.
func (c *Cron) OccurredSince(since, now time.Time, inclusive bool) bool {
	from := since
	if inclusive {
		// Next is strictly after its argument and works at second precision.
		from = since.Truncate(time.Second).Add(-time.Second)
	}
	next := c.schedule.Next(from)
	if next.IsZero() {
		return false
	}
	return !next.After(now)
}
