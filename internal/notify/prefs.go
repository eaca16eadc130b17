// Package notify turns the timetable, the event definitions and the
// user's preferences into an armed plan of local alert triggers.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/prayer"
)

// Local store keys for the persisted preference documents.
const (
	prefsKey      = "notify.prefs.json"
	eventPrefsKey = "event.prefs.json"
)

// prefsSchemaVersion is the current on-disk preference shape. Version 1
// was a flat document with a single pair of switches for all prayers.
const prefsSchemaVersion = 2

// ErrBadPreferences reports a preference document that failed
// validation.
var ErrBadPreferences = errors.New("bad notification preferences")

// defaultJamahLead is the reminder lead applied when none is stored.
const defaultJamahLead = 10

// maxJamahLead bounds the reminder lead in minutes.
const maxJamahLead = 180

// PrayerPreference holds the per-prayer alert switches.
type PrayerPreference struct {
	Begin            bool `json:"begin"`
	Jamah            bool `json:"jamah"`
	JamahReminder    bool `json:"jamah_reminder"`
	JamahLeadMinutes int  `json:"jamah_lead_minutes"`
}

// Preferences is the versioned per-prayer preference document.
type Preferences struct {
	SchemaVersion int                         `json:"schema_version"`
	Prayers       map[string]PrayerPreference `json:"prayers"`
}

// DefaultPreferences returns the out-of-the-box preference set: begin
// and jamah alerts on, reminders off with a ten minute lead.
func DefaultPreferences() Preferences {
	prayers := make(map[string]PrayerPreference, 5)
	for _, name := range prayer.Canonical() {
		prayers[string(name)] = PrayerPreference{
			Begin:            true,
			Jamah:            true,
			JamahReminder:    false,
			JamahLeadMinutes: defaultJamahLead,
		}
	}
	return Preferences{SchemaVersion: prefsSchemaVersion, Prayers: prayers}
}

// Validate checks prayer names and reminder leads. Errors wrap
// ErrBadPreferences.
func (p Preferences) Validate() error {
	for name, pp := range p.Prayers {
		if !prayer.Name(name).Valid() {
			return fmt.Errorf("%w: unknown prayer %q", ErrBadPreferences, name)
		}
		if pp.JamahLeadMinutes < 0 || pp.JamahLeadMinutes > maxJamahLead {
			return fmt.Errorf("%w: jamah lead %d minutes out of range for %s", ErrBadPreferences, pp.JamahLeadMinutes, name)
		}
	}
	return nil
}

// forPrayer returns the stored preference for the named prayer, filling
// in the default for prayers the document does not mention.
func (p Preferences) forPrayer(name prayer.Name) PrayerPreference {
	if pp, ok := p.Prayers[string(name)]; ok {
		return pp
	}
	return PrayerPreference{Begin: true, Jamah: true, JamahLeadMinutes: defaultJamahLead}
}

// legacyPreferences is the retired version 1 document: one pair of
// switches covering every prayer. Pointer fields distinguish absent
// keys from explicit false.
type legacyPreferences struct {
	PrayerAlertsEnabled *bool `json:"prayer_alerts_enabled"`
	JamahAlertsEnabled  *bool `json:"jamah_alerts_enabled"`
	JamahLeadMinutes    *int  `json:"jamah_lead_minutes"`
}

// migrate expands a version 1 document into the per-prayer shape. The
// old jamah switch also drives the reminder switch, which is the
// closest match to the retired behaviour.
func (l legacyPreferences) migrate() Preferences {
	begin, jamah := true, true
	if l.PrayerAlertsEnabled != nil {
		begin = *l.PrayerAlertsEnabled
	}
	if l.JamahAlertsEnabled != nil {
		jamah = *l.JamahAlertsEnabled
	}
	lead := defaultJamahLead
	if l.JamahLeadMinutes != nil && *l.JamahLeadMinutes >= 0 && *l.JamahLeadMinutes <= maxJamahLead {
		lead = *l.JamahLeadMinutes
	}

	prayers := make(map[string]PrayerPreference, 5)
	for _, name := range prayer.Canonical() {
		prayers[string(name)] = PrayerPreference{
			Begin:            begin,
			Jamah:            jamah,
			JamahReminder:    jamah,
			JamahLeadMinutes: lead,
		}
	}
	return Preferences{SchemaVersion: prefsSchemaVersion, Prayers: prayers}
}

// LoadPreferences reads the persisted preference document, migrating a
// version 1 document in place so the migration runs at most once. A
// missing or unreadable document yields the defaults.
func LoadPreferences(ls *local.Store, logger *zap.Logger) Preferences {
	raw, ok := ls.Get(prefsKey)
	if !ok {
		return DefaultPreferences()
	}

	var versioned struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &versioned); err != nil {
		logger.Warn("stored preferences unreadable, using defaults", zap.Error(err))
		return DefaultPreferences()
	}

	if versioned.SchemaVersion < prefsSchemaVersion {
		var legacy legacyPreferences
		if err := json.Unmarshal(raw, &legacy); err != nil {
			logger.Warn("legacy preferences unreadable, using defaults", zap.Error(err))
			return DefaultPreferences()
		}
		prefs := legacy.migrate()
		if err := SavePreferences(ls, prefs); err != nil {
			logger.Warn("migrated preferences not persisted", zap.Error(err))
		} else {
			logger.Info("notification preferences migrated",
				zap.Int("from_version", versioned.SchemaVersion),
				zap.Int("to_version", prefsSchemaVersion),
			)
		}
		return prefs
	}

	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		logger.Warn("stored preferences unreadable, using defaults", zap.Error(err))
		return DefaultPreferences()
	}
	if prefs.Prayers == nil {
		prefs.Prayers = DefaultPreferences().Prayers
	}
	return prefs
}

// SavePreferences persists the preference document.
func SavePreferences(ls *local.Store, prefs Preferences) error {
	prefs.SchemaVersion = prefsSchemaVersion
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := ls.Set(prefsKey, raw); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

// EventPreferences maps event ids to their alert switch. Events absent
// from the map are enabled, so new events alert without any opt-in.
type EventPreferences map[string]bool

// Enabled reports whether alerts for the event are on.
func (p EventPreferences) Enabled(id string) bool {
	if enabled, ok := p[id]; ok {
		return enabled
	}
	return true
}

// LoadEventPreferences reads the persisted event switches. A missing or
// unreadable document yields an empty map, which enables everything.
func LoadEventPreferences(ls *local.Store, logger *zap.Logger) EventPreferences {
	raw, ok := ls.Get(eventPrefsKey)
	if !ok {
		return EventPreferences{}
	}
	var prefs EventPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		logger.Warn("stored event preferences unreadable, using defaults", zap.Error(err))
		return EventPreferences{}
	}
	return prefs
}

// SaveEventPreferences persists the event switches.
func SaveEventPreferences(ls *local.Store, prefs EventPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal event preferences: %w", err)
	}
	if err := ls.Set(eventPrefsKey, raw); err != nil {
		return fmt.Errorf("persist event preferences: %w", err)
	}
	return nil
}
