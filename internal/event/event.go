// Package event models mosque event definitions and resolves them into
// concrete time windows against a day's prayer timetable.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/zahidf/muezzin/internal/prayer"
)

// ErrBadDefinition reports an event definition that failed validation.
var ErrBadDefinition = errors.New("bad event definition")

// Kind says how often an event occurs.
type Kind string

const (
	Onetime   Kind = "onetime"
	Recurring Kind = "recurring"
)

// TimeType says how an event's start is expressed.
type TimeType string

const (
	// Fixed events carry their own wall clocks.
	Fixed TimeType = "fixed"
	// Relative events are offsets from a prayer time on the same day.
	Relative TimeType = "relative"
)

// Direction orients a relative offset around its anchor.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// DurationPolicy says how a relative event's end is derived.
type DurationPolicy string

const (
	// FixedMinutes ends the event a fixed span after it starts.
	FixedMinutes DurationPolicy = "fixed_minutes"
	// UntilNextAnchor ends the event at another prayer time of the
	// same day.
	UntilNextAnchor DurationPolicy = "until_next_anchor"
)

// Definition describes a mosque event. Onetime events carry a Date;
// recurring events carry a weekday set. Fixed events carry clocks;
// relative events carry an anchor prayer plus an offset.
type Definition struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Kind     Kind     `json:"kind"`
	Date     string   `json:"date,omitempty"`
	Weekdays []string `json:"weekdays,omitempty"`

	TimeType   TimeType `json:"time_type"`
	StartClock string   `json:"start_clock,omitempty"`
	EndClock   string   `json:"end_clock,omitempty"`

	Anchor        prayer.Name    `json:"anchor,omitempty"`
	Direction     Direction      `json:"direction,omitempty"`
	OffsetMinutes int            `json:"offset_minutes,omitempty"`
	Duration      DurationPolicy `json:"duration_policy,omitempty"`
	// DurationMinutes applies under the fixed_minutes policy.
	DurationMinutes int `json:"duration_minutes,omitempty"`
	// UntilAnchor applies under the until_next_anchor policy.
	UntilAnchor prayer.Name `json:"until_anchor,omitempty"`
}

var weekdayNames = map[string]rrule.Weekday{
	"monday":    rrule.MO,
	"tuesday":   rrule.TU,
	"wednesday": rrule.WE,
	"thursday":  rrule.TH,
	"friday":    rrule.FR,
	"saturday":  rrule.SA,
	"sunday":    rrule.SU,
}

// Validate checks the definition for internal consistency. Errors wrap
// ErrBadDefinition.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrBadDefinition)
	}

	switch d.Kind {
	case Onetime:
		if _, err := prayer.ParseDate(d.Date); err != nil {
			return fmt.Errorf("%w: onetime event: %v", ErrBadDefinition, err)
		}
	case Recurring:
		if len(d.Weekdays) == 0 {
			return fmt.Errorf("%w: recurring event needs at least one weekday", ErrBadDefinition)
		}
		for _, wd := range d.Weekdays {
			if _, ok := weekdayNames[strings.ToLower(wd)]; !ok {
				return fmt.Errorf("%w: unknown weekday %q", ErrBadDefinition, wd)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadDefinition, d.Kind)
	}

	switch d.TimeType {
	case Fixed:
		if _, err := prayer.ParseClock(d.StartClock); err != nil {
			return fmt.Errorf("%w: fixed event: %v", ErrBadDefinition, err)
		}
		if d.EndClock != "" {
			if _, err := prayer.ParseClock(d.EndClock); err != nil {
				return fmt.Errorf("%w: fixed event: %v", ErrBadDefinition, err)
			}
		}
	case Relative:
		if !d.Anchor.Valid() {
			return fmt.Errorf("%w: unknown anchor prayer %q", ErrBadDefinition, d.Anchor)
		}
		if d.Direction != Before && d.Direction != After {
			return fmt.Errorf("%w: direction must be %q or %q", ErrBadDefinition, Before, After)
		}
		if d.OffsetMinutes < 0 {
			return fmt.Errorf("%w: offset minutes must not be negative", ErrBadDefinition)
		}
		switch d.Duration {
		case "":
			// Open-ended window.
		case FixedMinutes:
			if d.DurationMinutes <= 0 {
				return fmt.Errorf("%w: fixed_minutes policy needs a positive duration", ErrBadDefinition)
			}
		case UntilNextAnchor:
			if !d.UntilAnchor.Valid() {
				return fmt.Errorf("%w: unknown until anchor %q", ErrBadDefinition, d.UntilAnchor)
			}
		default:
			return fmt.Errorf("%w: unknown duration policy %q", ErrBadDefinition, d.Duration)
		}
	default:
		return fmt.Errorf("%w: unknown time type %q", ErrBadDefinition, d.TimeType)
	}

	return nil
}

// Occurrences returns the midnights, in start's location, of every day
// within [start, start+days) on which the event occurs. start must be
// a midnight.
func (d Definition) Occurrences(start time.Time, days int) ([]time.Time, error) {
	if days <= 0 {
		return nil, nil
	}

	switch d.Kind {
	case Onetime:
		day, err := prayer.ParseDate(d.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDefinition, err)
		}
		occ := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, start.Location())
		if occ.Before(start) || !occ.Before(start.AddDate(0, 0, days)) {
			return nil, nil
		}
		return []time.Time{occ}, nil

	case Recurring:
		byday := make([]rrule.Weekday, 0, len(d.Weekdays))
		for _, wd := range d.Weekdays {
			day, ok := weekdayNames[strings.ToLower(wd)]
			if !ok {
				return nil, fmt.Errorf("%w: unknown weekday %q", ErrBadDefinition, wd)
			}
			byday = append(byday, day)
		}
		rule, err := rrule.NewRRule(rrule.ROption{
			Freq:      rrule.WEEKLY,
			Byweekday: byday,
			Dtstart:   start,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: building recurrence: %v", ErrBadDefinition, err)
		}
		return rule.Between(start, start.AddDate(0, 0, days-1), true), nil
	}

	return nil, fmt.Errorf("%w: unknown kind %q", ErrBadDefinition, d.Kind)
}

// OccursOn reports whether the event occurs on day's calendar date.
func (d Definition) OccursOn(day time.Time) bool {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	occs, err := d.Occurrences(midnight, 1)
	return err == nil && len(occs) == 1
}
