package prayer

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day without a date attached.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock parses a 24-hour "HH:MM" or "HH:MM:SS" string.
func ParseClock(s string) (Clock, error) {
	var layout string
	switch len(s) {
	case 0:
		return Clock{}, fmt.Errorf("empty clock value")
	case 8:
		layout = "15:04:05"
	default:
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// String renders the clock in canonical zero-padded form. Seconds are
// included only when nonzero.
func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// At anchors the clock onto the calendar date of day, in day's
// location, and returns the resulting instant.
func (c Clock) At(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, c.Second, 0, day.Location())
}
