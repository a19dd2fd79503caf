package task

import (
	"fmt"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/schedule"
)

// Schedule answers whether a pattern fired between since and now.
type Schedule interface {
	OccurredSince(since, now time.Time, inclusive bool) bool
}

// IntervalSpec is one retention tier of a task.
type IntervalSpec struct {
	Name      string
	Schedule  Schedule
	KeepCount int
	KeepAge   schedule.AgeRule
}

// IntervalsFromConfig parses the schedule and age rule of every interval,
// keeping declaration order.
func IntervalsFromConfig(cfgs []models.IntervalConfig) ([]IntervalSpec, error) {
	specs := make([]IntervalSpec, 0, len(cfgs))
	for _, c := range cfgs {
		sched, err := schedule.ParseCron(c.Schedule)
		if err != nil {
			return nil, fmt.Errorf("interval %s: %w", c.Name, err)
		}
		age, err := schedule.ParseAgeRule(c.KeepAge)
		if err != nil {
			return nil, fmt.Errorf("interval %s: %w", c.Name, err)
		}
		specs = append(specs, IntervalSpec{
			Name:      c.Name,
			Schedule:  sched,
			KeepCount: c.KeepCount,
			KeepAge:   age,
		})
	}
	return specs, nil
}

func validateIntervals(intervals []IntervalSpec) error {
	if len(intervals) == 0 {
		return fmt.Errorf("at least one interval is required")
	}
	seen := make(map[string]bool, len(intervals))
	for _, iv := range intervals {
		if iv.Name == "" {
			return fmt.Errorf("interval name must not be empty")
		}
		if seen[iv.Name] {
			return fmt.Errorf("duplicate interval %s", iv.Name)
		}
		seen[iv.Name] = true
		if iv.KeepCount <= 0 {
			return fmt.Errorf("interval %s: keep count must be positive, got %d", iv.Name, iv.KeepCount)
		}
		if iv.Schedule == nil {
			return fmt.Errorf("interval %s: schedule is required", iv.Name)
		}
	}
	return nil
}
