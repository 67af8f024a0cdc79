// Package timeutil converts Unix epoch values into the canonical display
// fields stored alongside every reading. All conversion is done in UTC so the
// same epoch always yields the same calendar fields regardless of where the
// server runs.
package timeutil

import (
	"fmt"
	"math"
	"time"
)

// Display layouts shared by storage and the query engine.
const (
	InstantLayout = "2006-01-02 15:04:05"
	DateLayout    = "2006-01-02"
	TimeLayout    = "15:04:05"
)

// Normalized is the canonical representation of a single instant.
type Normalized struct {
	Epoch   int64  // seconds since the Unix epoch, truncated
	Instant string // full date-time, second precision
	Date    string // calendar-day component
	Time    string // time-of-day component
}

// Normalize converts an epoch value into its display triple. It reports false
// for NaN and infinities; callers treat that as an invalid timestamp rather
// than an error condition.
func Normalize(epoch float64) (Normalized, bool) {
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return Normalized{}, false
	}

	secs := int64(epoch)
	t := time.Unix(secs, 0).UTC()

	return Normalized{
		Epoch:   secs,
		Instant: t.Format(InstantLayout),
		Date:    t.Format(DateLayout),
		Time:    t.Format(TimeLayout),
	}, true
}

// NormalizeInt is Normalize for callers that already hold integer seconds.
func NormalizeInt(secs int64) Normalized {
	n, _ := Normalize(float64(secs))
	return n
}

// ParseInstant is the inverse of Normalize for round-trip checks and window
// bound parsing.
func ParseInstant(s string) (int64, error) {
	t, err := time.ParseInLocation(InstantLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid instant %q: %w", s, err)
	}
	return t.Unix(), nil
}

// FormatDuration renders a second count as HH:MM:SS, the fixed format the
// frontend expects for clip durations.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
