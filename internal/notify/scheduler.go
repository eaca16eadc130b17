package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/alarm"
	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/metrics"
	"github.com/zahidf/muezzin/internal/prayer"
)

// auditKey is the local store key holding the last committed plan.
const auditKey = "triggers.audit.json"

// DefaultHorizonDays is how far ahead triggers are armed.
const DefaultHorizonDays = 7

// Config tunes the scheduler. Zero values fall back to a seven day
// horizon, the local time zone and the wall clock.
type Config struct {
	HorizonDays int
	Location    *time.Location
	Now         func() time.Time
}

// Scheduler owns the armed trigger plan. Every input change cancels the
// whole plan and recommits it from current state, so a pass is
// idempotent and never strands a trigger for data that no longer
// exists.
type Scheduler struct {
	facility alarm.Facility
	local    *local.Store
	logger   *zap.Logger
	horizon  int
	loc      *time.Location
	now      func() time.Time

	mu         sync.Mutex
	records    map[string]prayer.Record
	events     []event.Definition
	prefs      Preferences
	eventPrefs EventPreferences
	lastPlan   []alarm.Trigger
}

// New builds a scheduler over the alarm facility, loading persisted
// preferences from the local store.
func New(facility alarm.Facility, ls *local.Store, cfg Config, logger *zap.Logger) *Scheduler {
	horizon := cfg.HorizonDays
	if horizon <= 0 {
		horizon = DefaultHorizonDays
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		facility:   facility,
		local:      ls,
		logger:     logger,
		horizon:    horizon,
		loc:        loc,
		now:        now,
		records:    make(map[string]prayer.Record),
		prefs:      LoadPreferences(ls, logger),
		eventPrefs: LoadEventPreferences(ls, logger),
	}
}

// SetTimetable replaces the scheduler's view of the timetable and
// recommits the plan.
func (s *Scheduler) SetTimetable(records []prayer.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]prayer.Record, len(records))
	for _, rec := range records {
		s.records[rec.Date] = rec
	}
	s.reschedule()
}

// SetEvents replaces the scheduler's view of the event definitions and
// recommits the plan.
func (s *Scheduler) SetEvents(defs []event.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]event.Definition{}, defs...)
	s.reschedule()
}

// UpdatePreferences validates, persists and applies new prayer alert
// preferences.
func (s *Scheduler) UpdatePreferences(prefs Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SavePreferences(s.local, prefs); err != nil {
		return err
	}
	prefs.SchemaVersion = prefsSchemaVersion
	s.prefs = prefs
	s.reschedule()
	return nil
}

// Preferences returns the active prayer alert preferences.
func (s *Scheduler) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	prayers := make(map[string]PrayerPreference, len(s.prefs.Prayers))
	for name, pp := range s.prefs.Prayers {
		prayers[name] = pp
	}
	return Preferences{SchemaVersion: s.prefs.SchemaVersion, Prayers: prayers}
}

// UpdateEventPreferences persists and applies new event switches.
func (s *Scheduler) UpdateEventPreferences(prefs EventPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SaveEventPreferences(s.local, prefs); err != nil {
		return err
	}
	s.eventPrefs = prefs
	s.reschedule()
	return nil
}

// EventPreferences returns the active event switches.
func (s *Scheduler) EventPreferences() EventPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := make(EventPreferences, len(s.eventPrefs))
	for id, enabled := range s.eventPrefs {
		prefs[id] = enabled
	}
	return prefs
}

// Reschedule recommits the plan from current state. It is what the
// nightly cron fires so the rolling horizon advances even when nothing
// else changes.
func (s *Scheduler) Reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reschedule()
}

// LastPlan returns the triggers committed by the most recent pass,
// ordered by fire time.
func (s *Scheduler) LastPlan() []alarm.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alarm.Trigger{}, s.lastPlan...)
}

// reschedule cancels everything and recommits. Callers hold s.mu.
func (s *Scheduler) reschedule() {
	now := s.now()
	planned := s.expand(now)

	s.facility.CancelAll()

	armed := make([]alarm.Trigger, 0, len(planned))
	failures := 0
	var firstErr error
	for _, t := range planned {
		if err := s.facility.Schedule(t); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		armed = append(armed, t)
	}

	s.lastPlan = armed
	metrics.RecordSchedulerPass(len(armed), failures)

	if failures > 0 {
		s.logger.Warn("some triggers were not armed",
			zap.Int("failed", failures),
			zap.Int("armed", len(armed)),
			zap.Error(firstErr),
		)
	}
	s.logger.Info("notification plan committed",
		zap.Int("armed", len(armed)),
		zap.Int("horizon_days", s.horizon),
	)

	s.persistAudit(now, armed)
}

// expand walks the horizon and produces every trigger the current
// state and preferences call for, sorted by fire time. Triggers whose
// fire time has already passed are dropped.
func (s *Scheduler) expand(now time.Time) []alarm.Trigger {
	var out []alarm.Trigger

	today := now.In(s.loc)
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, s.loc)

	for offset := 0; offset < s.horizon; offset++ {
		day := start.AddDate(0, 0, offset)
		date := day.Format(prayer.DateFormat)
		rec, ok := s.records[date]
		if !ok {
			continue
		}
		out = append(out, s.prayerTriggers(rec, day, now)...)
	}

	out = append(out, s.eventTriggers(start, now)...)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiresAt.Equal(out[j].FiresAt) {
			return out[i].FiresAt.Before(out[j].FiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) prayerTriggers(rec prayer.Record, day time.Time, now time.Time) []alarm.Trigger {
	var out []alarm.Trigger
	date := rec.Date

	for _, name := range prayer.Canonical() {
		pp := s.prefs.forPrayer(name)

		if pp.Begin && rec.Begins(name) != "" {
			if clk, err := prayer.ParseClock(rec.Begins(name)); err == nil {
				at := clk.At(day)
				if at.After(now) {
					out = append(out, alarm.Trigger{
						ID:      alarm.TriggerID(string(name), alarm.KindPrayerBegin, date),
						Kind:    alarm.KindPrayerBegin,
						Source:  string(name),
						Date:    date,
						FiresAt: at,
						Title:   name.Display(),
						Body:    fmt.Sprintf("%s begins at %s", name.Display(), clk),
					})
				}
			}
		}

		jamahClock := rec.Jamah(name)
		if jamahClock == "" {
			continue
		}
		clk, err := prayer.ParseClock(jamahClock)
		if err != nil {
			continue
		}
		jamahAt := clk.At(day)

		if pp.Jamah && jamahAt.After(now) {
			out = append(out, alarm.Trigger{
				ID:      alarm.TriggerID(string(name), alarm.KindJamah, date),
				Kind:    alarm.KindJamah,
				Source:  string(name),
				Date:    date,
				FiresAt: jamahAt,
				Title:   fmt.Sprintf("%s jamah", name.Display()),
				Body:    fmt.Sprintf("Jamah at %s", clk),
			})
		}

		if pp.JamahReminder {
			lead := pp.JamahLeadMinutes
			if lead <= 0 {
				lead = defaultJamahLead
			}
			remindAt := jamahAt.Add(-time.Duration(lead) * time.Minute)
			if remindAt.After(now) {
				out = append(out, alarm.Trigger{
					ID:      alarm.TriggerID(string(name), alarm.KindJamahReminder, date),
					Kind:    alarm.KindJamahReminder,
					Source:  string(name),
					Date:    date,
					FiresAt: remindAt,
					Title:   fmt.Sprintf("%s jamah", name.Display()),
					Body:    fmt.Sprintf("Jamah in %d minutes (%s)", lead, clk),
				})
			}
		}
	}
	return out
}

func (s *Scheduler) eventTriggers(start time.Time, now time.Time) []alarm.Trigger {
	var out []alarm.Trigger

	for _, def := range s.events {
		if !s.eventPrefs.Enabled(def.ID) {
			continue
		}
		days, err := def.Occurrences(start, s.horizon)
		if err != nil {
			s.logger.Warn("event occurrences not expanded",
				zap.String("event_id", def.ID),
				zap.Error(err),
			)
			continue
		}
		for _, day := range days {
			date := day.Format(prayer.DateFormat)
			var rec *prayer.Record
			if r, ok := s.records[date]; ok {
				rec = &r
			}
			window := event.Resolve(def, rec, day)
			if window.Start == nil || !window.Start.After(now) {
				continue
			}
			out = append(out, alarm.Trigger{
				ID:      alarm.TriggerID(def.ID, alarm.KindEvent, date),
				Kind:    alarm.KindEvent,
				Source:  def.ID,
				Date:    date,
				FiresAt: *window.Start,
				Title:   def.Title,
				Body:    fmt.Sprintf("Starts at %s", window.Start.In(s.loc).Format("15:04")),
			})
		}
	}
	return out
}

// auditDocument is the persisted record of the last committed plan. It
// survives restarts so the plan can be inspected while offline.
type auditDocument struct {
	CommittedAt time.Time       `json:"committed_at"`
	Triggers    []alarm.Trigger `json:"triggers"`
}

func (s *Scheduler) persistAudit(now time.Time, armed []alarm.Trigger) {
	raw, err := json.Marshal(auditDocument{CommittedAt: now, Triggers: armed})
	if err != nil {
		s.logger.Warn("trigger audit not marshalled", zap.Error(err))
		return
	}
	if err := s.local.Set(auditKey, raw); err != nil {
		s.logger.Warn("trigger audit not persisted", zap.Error(err))
	}
}
