// Package timewindow calculates budget policy window bounds. Two axes are
// supported: the named window (hourly/daily/weekly/monthly) and the window
// type (rolling, sliding back from the reference time, or calendar, aligned
// to a calendar boundary).
package timewindow

import (
	"time"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

// Window names budget windows the evaluator can reference.
type Window string

const (
	Hourly  Window = "hourly"
	Daily   Window = "daily"
	Weekly  Window = "weekly"
	Monthly Window = "monthly"
)

// Type distinguishes sliding windows from calendar-aligned windows.
type Type string

const (
	Rolling  Type = "rolling"
	Calendar Type = "calendar"
)

func validWindow(w Window) bool {
	switch w {
	case Hourly, Daily, Weekly, Monthly:
		return true
	}
	return false
}

func validType(t Type) bool {
	switch t {
	case Rolling, Calendar:
		return true
	}
	return false
}

// Bounds calculates (start, end) for the given window/type pair, anchored at
// referenceTime. end is always referenceTime; start depends on window and
// type. referenceTime is expected in UTC; callers in the gateway and budget
// evaluator always pass time.Now().UTC().
func Bounds(window Window, windowType Type, referenceTime time.Time) (time.Time, time.Time, error) {
	if !validWindow(window) {
		return time.Time{}, time.Time{}, caracalerr.New(caracalerr.Validation, "invalid time window: "+string(window))
	}
	if !validType(windowType) {
		return time.Time{}, time.Time{}, caracalerr.New(caracalerr.Validation, "invalid window type: "+string(windowType))
	}

	if windowType == Rolling {
		return rollingBounds(window, referenceTime)
	}
	return calendarBounds(window, referenceTime)
}

func rollingBounds(window Window, referenceTime time.Time) (time.Time, time.Time, error) {
	end := referenceTime
	var start time.Time
	switch window {
	case Hourly:
		start = referenceTime.Add(-time.Hour)
	case Daily:
		start = referenceTime.Add(-24 * time.Hour)
	case Weekly:
		start = referenceTime.Add(-7 * 24 * time.Hour)
	case Monthly:
		start = referenceTime.Add(-30 * 24 * time.Hour)
	}
	return start, end, nil
}

func calendarBounds(window Window, referenceTime time.Time) (time.Time, time.Time, error) {
	end := referenceTime
	var start time.Time
	switch window {
	case Hourly:
		start = time.Date(referenceTime.Year(), referenceTime.Month(), referenceTime.Day(),
			referenceTime.Hour(), 0, 0, 0, referenceTime.Location())
	case Daily:
		start = time.Date(referenceTime.Year(), referenceTime.Month(), referenceTime.Day(),
			0, 0, 0, 0, referenceTime.Location())
	case Weekly:
		// time.Weekday counts Sunday=0, so shift so Monday=0.
		daysSinceMonday := (int(referenceTime.Weekday()) + 6) % 7
		monday := referenceTime.AddDate(0, 0, -daysSinceMonday)
		start = time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, referenceTime.Location())
	case Monthly:
		start = time.Date(referenceTime.Year(), referenceTime.Month(), 1, 0, 0, 0, 0, referenceTime.Location())
	}
	return start, end, nil
}
