// Package quiethours evaluates the daily window during which notifications
// are delivered without sound.
package quiethours

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidClock is returned for clock strings that are not "HH:MM"
var ErrInvalidClock = errors.New("invalid clock time")

// ParseClock converts an "HH:MM" string to minutes after midnight
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	return hours*60 + minutes, nil
}

// IsQuiet reports whether now falls inside the quiet window [start, end).
// A window whose start is after its end spans midnight. Disabled or
// unparsable windows are never quiet.
func IsQuiet(enabled bool, startTime, endTime string, now time.Time) bool {
	if !enabled {
		return false
	}

	start, err := ParseClock(startTime)
	if err != nil {
		return false
	}
	end, err := ParseClock(endTime)
	if err != nil {
		return false
	}

	current := now.Hour()*60 + now.Minute()

	if start <= end {
		return current >= start && current < end
	}
	return current >= start || current < end
}

// WindowEnd returns the first time after now at which the window's end clock occurs
func WindowEnd(endTime string, now time.Time) (time.Time, error) {
	end, err := ParseClock(endTime)
	if err != nil {
		return time.Time{}, err
	}

	year, month, day := now.Date()
	candidate := time.Date(year, month, day, end/60, end%60, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// Evaluator binds a clock source to IsQuiet
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator using the wall clock in the given location
func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{
		now: func() time.Time { return time.Now().In(loc) },
	}
}

// NewEvaluatorWithClock creates an evaluator with a custom clock
func NewEvaluatorWithClock(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// IsQuiet evaluates the window against the evaluator's current time
func (e *Evaluator) IsQuiet(enabled bool, startTime, endTime string) bool {
	return IsQuiet(enabled, startTime, endTime, e.now())
}

// Now returns the evaluator's current time
func (e *Evaluator) Now() time.Time {
	return e.now()
}
