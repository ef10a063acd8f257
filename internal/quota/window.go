package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window identifies a quota accounting period.
type Window string

const (
	Window5h      Window = "5h"
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// ResetMode controls how a window's boundaries are computed.
type ResetMode string

const (
	// ResetFixed anchors the window to a recurring wall-clock reset point.
	ResetFixed ResetMode = "fixed"
	// ResetRolling makes the window a fixed duration trailing "now".
	ResetRolling ResetMode = "rolling"
)

// Duration returns the nominal length of the window when used in rolling mode.
func (w Window) Duration() time.Duration {
	switch w {
	case Window5h:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Label returns the human-readable window name used in deny reasons.
func (w Window) Label() string {
	switch w {
	case Window5h:
		return "5-hour"
	case WindowDaily:
		return "daily"
	case WindowWeekly:
		return "weekly"
	case WindowMonthly:
		return "monthly"
	default:
		return string(w)
	}
}

// Bounds is a resolved half-open window [Start, End) plus the cache TTL
// remaining until its natural end.
type Bounds struct {
	Start time.Time
	End   time.Time
	TTL   time.Duration
}

// ResolveWindow converts a window kind, a reset time-of-day ("HH:MM") and a
// reset mode into concrete instants in the given timezone.
//
// Fixed weekly windows anchor to the most recent Monday at the reset time and
// fixed monthly windows to the 1st of the month; the 5h window has no natural
// wall-clock anchor and is always resolved as rolling.
func ResolveWindow(w Window, resetTime string, mode ResetMode, loc *time.Location, now time.Time) (Bounds, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	if mode == ResetRolling || w == Window5h {
		d := w.Duration()
		return Bounds{Start: now.Add(-d), End: now, TTL: d}, nil
	}

	hour, min, err := parseResetTime(resetTime)
	if err != nil {
		return Bounds{}, err
	}

	var start, end time.Time
	switch w {
	case WindowDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, loc)
		if start.After(now) {
			start = time.Date(now.Year(), now.Month(), now.Day()-1, hour, min, 0, 0, loc)
		}
		end = time.Date(start.Year(), start.Month(), start.Day()+1, hour, min, 0, 0, loc)
	case WindowWeekly:
		// Back up to Monday, keeping the wall-clock reset time.
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day()-daysSinceMonday, hour, min, 0, 0, loc)
		if start.After(now) {
			start = time.Date(start.Year(), start.Month(), start.Day()-7, hour, min, 0, 0, loc)
		}
		end = time.Date(start.Year(), start.Month(), start.Day()+7, hour, min, 0, 0, loc)
	case WindowMonthly:
		start = time.Date(now.Year(), now.Month(), 1, hour, min, 0, 0, loc)
		if start.After(now) {
			start = time.Date(now.Year(), now.Month()-1, 1, hour, min, 0, 0, loc)
		}
		end = time.Date(start.Year(), start.Month()+1, 1, hour, min, 0, 0, loc)
	default:
		return Bounds{}, fmt.Errorf("unknown window kind %q", w)
	}

	return Bounds{Start: start, End: end, TTL: end.Sub(now)}, nil
}

// SecondsUntilMidnight returns the TTL that aligns a per-day counter with the
// next local midnight.
func SecondsUntilMidnight(loc *time.Location, now time.Time) int {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc)
	secs := int(midnight.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// StartOfDay returns local midnight for "now", used for "cost today" queries.
func StartOfDay(loc *time.Location, now time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

// parseResetTime parses "HH:MM" into hour and minute components.
func parseResetTime(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid reset time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid reset time %q, want HH:MM", s)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("invalid reset time %q, want HH:MM", s)
	}
	return hour, min, nil
}
