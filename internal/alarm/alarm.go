// Package alarm arms local absolute-time alerts keyed by a stable
// trigger identity.
package alarm

import (
	"errors"
	"fmt"
	"time"
)

// ErrFacilityFull reports that the platform cap on simultaneously
// armed triggers has been reached.
var ErrFacilityFull = errors.New("alarm facility full")

// DefaultCapacity mirrors the platform limit on concurrently armed
// alarms.
const DefaultCapacity = 500

// Kind classifies what a trigger announces.
type Kind string

const (
	KindPrayerBegin   Kind = "prayer_begin"
	KindJamah         Kind = "jamah"
	KindJamahReminder Kind = "jamah_reminder"
	KindEvent         Kind = "event"
)

// Trigger is one scheduled local alert. ID is deterministic for a
// given (source, kind, date), so re-arming the same logical alert
// replaces it instead of duplicating it.
type Trigger struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Source  string    `json:"source"`
	Date    string    `json:"date"`
	FiresAt time.Time `json:"fires_at"`
	Title   string    `json:"title"`
	Body    string    `json:"body,omitempty"`
}

// TriggerID derives the stable identity for a trigger. source is a
// prayer name or an event id, date the timetable date it derives from.
func TriggerID(source string, kind Kind, date string) string {
	return fmt.Sprintf("%s:%s:%s", source, kind, date)
}

// Facility is the scheduling surface the notification planner talks
// to. Schedule replaces any armed trigger with the same ID. CancelAll
// is assumed cheap.
type Facility interface {
	Schedule(t Trigger) error
	CancelAll()
	Armed() []Trigger
}
