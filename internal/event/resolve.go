package event

import (
	"time"

	"github.com/zahidf/muezzin/internal/prayer"
)

// Window is an event resolved to concrete instants on one day. Either
// bound may be nil: a nil Start means the event could not be placed at
// all, a nil End means the window is open-ended.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Resolve places the event onto the calendar date of day. For relative
// events rec supplies the day's prayer times; when rec is nil or the
// anchor time is missing or unparseable the event resolves to an empty
// window rather than an error. Offsets are plain arithmetic on the
// anchored instant, so a window may spill past midnight as an instant
// while staying anchored to day's date.
func Resolve(def Definition, rec *prayer.Record, day time.Time) Window {
	switch def.TimeType {
	case Fixed:
		return resolveFixed(def, day)
	case Relative:
		return resolveRelative(def, rec, day)
	}
	return Window{}
}

func resolveFixed(def Definition, day time.Time) Window {
	var w Window
	if c, err := prayer.ParseClock(def.StartClock); err == nil {
		start := c.At(day)
		w.Start = &start
	} else {
		return Window{}
	}
	if def.EndClock != "" {
		if c, err := prayer.ParseClock(def.EndClock); err == nil {
			end := c.At(day)
			w.End = &end
		}
	}
	return w
}

func resolveRelative(def Definition, rec *prayer.Record, day time.Time) Window {
	if rec == nil {
		return Window{}
	}
	anchor := rec.Begins(def.Anchor)
	if anchor == "" {
		return Window{}
	}
	c, err := prayer.ParseClock(anchor)
	if err != nil {
		return Window{}
	}

	start := c.At(day)
	offset := time.Duration(def.OffsetMinutes) * time.Minute
	if def.Direction == Before {
		start = start.Add(-offset)
	} else {
		start = start.Add(offset)
	}
	w := Window{Start: &start}

	switch def.Duration {
	case FixedMinutes:
		end := start.Add(time.Duration(def.DurationMinutes) * time.Minute)
		w.End = &end
	case UntilNextAnchor:
		next := rec.Begins(def.UntilAnchor)
		if next == "" {
			return w
		}
		nc, err := prayer.ParseClock(next)
		if err != nil {
			return w
		}
		end := nc.At(day)
		// An until anchor at or before the start collapses the window
		// to zero duration instead of going negative.
		if end.Before(start) {
			end = start
		}
		w.End = &end
	}
	return w
}
