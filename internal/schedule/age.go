package schedule

import (
	"fmt"
	"strconv"
	"time"
)

// AgeRule is a relative age such as "90m", "36h", "7d", "4w" or "6M".
type AgeRule struct {
	raw   string
	value int
	unit  byte
}

// ParseAgeRule parses a positive integer followed by one of the units
// m (minutes), h (hours), d (days), w (weeks) or M (calendar months).
func ParseAgeRule(rule string) (AgeRule, error) {
	if len(rule) < 2 {
		return AgeRule{}, fmt.Errorf("invalid age rule %q: expected <number><m|h|d|w|M>", rule)
	}

	unit := rule[len(rule)-1]
	switch unit {
	case 'm', 'h', 'd', 'w', 'M':
	default:
		return AgeRule{}, fmt.Errorf("invalid age rule %q: unknown unit %q", rule, string(unit))
	}

	value, err := strconv.Atoi(rule[:len(rule)-1])
	if err != nil {
		return AgeRule{}, fmt.Errorf("invalid age rule %q: %w", rule, err)
	}
	if value <= 0 {
		return AgeRule{}, fmt.Errorf("invalid age rule %q: value must be positive", rule)
	}

	return AgeRule{raw: rule, value: value, unit: unit}, nil
}

// MustParseAgeRule is like ParseAgeRule but panics on error. Intended for tests.
func MustParseAgeRule(rule string) AgeRule {
	r, err := ParseAgeRule(rule)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the rule as written.
func (r AgeRule) String() string {
	return r.raw
}

// Oldest returns the oldest instant that still lies inside the window ending
// at reference. Anything created before it is outside the window.
func (r AgeRule) Oldest(reference time.Time) time.Time {
	switch r.unit {
	case 'm':
		return reference.Add(-time.Duration(r.value) * time.Minute)
	case 'h':
		return reference.Add(-time.Duration(r.value) * time.Hour)
	case 'd':
		return reference.AddDate(0, 0, -r.value)
	case 'w':
		return reference.AddDate(0, 0, -7*r.value)
	case 'M':
		return subtractMonths(reference, r.value)
	default:
		return reference
	}
}

// subtractMonths steps back calendar months, clamping the day to the last
// day of the resulting month (Mar 31 minus one month is Feb 28 or 29).
func subtractMonths(t time.Time, months int) time.Time {
	total := int(t.Month()) - 1 - months
	year := t.Year() + floorDiv(total, 12)
	month := time.Month(total-floorDiv(total, 12)*12 + 1)

	day := t.Day()
	if last := daysIn(year, month, t.Location()); day > last {
		day = last
	}

	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
