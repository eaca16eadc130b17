// Package prayer defines the daily timetable records and the clock
// parsing shared by every layer of muezzin.
package prayer

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DateFormat is the canonical calendar-date layout used as the
// timetable primary key.
const DateFormat = "2006-01-02"

// ErrBadRecord reports a timetable record that failed validation.
var ErrBadRecord = errors.New("bad timetable record")

// Name identifies one of the five daily prayers.
type Name string

const (
	Fajr    Name = "fajr"
	Dhuhr   Name = "dhuhr"
	Asr     Name = "asr"
	Maghrib Name = "maghrib"
	Isha    Name = "isha"
)

// Canonical returns the five daily prayers in chronological order.
func Canonical() []Name {
	return []Name{Fajr, Dhuhr, Asr, Maghrib, Isha}
}

// Valid reports whether n is one of the five canonical prayers.
func (n Name) Valid() bool {
	switch n {
	case Fajr, Dhuhr, Asr, Maghrib, Isha:
		return true
	}
	return false
}

// Display returns the user-facing spelling of the prayer name.
func (n Name) Display() string {
	switch n {
	case Fajr:
		return "Fajr"
	case Dhuhr:
		return "Dhuhr"
	case Asr:
		return "Asr"
	case Maghrib:
		return "Maghrib"
	case Isha:
		return "Isha"
	}
	return string(n)
}

// Record is the timetable entry for one calendar date. Time fields hold
// wall clocks in 24-hour "HH:MM" form; an empty string means the time
// is not published for that date.
type Record struct {
	Date string `json:"date"`

	Fajr    string `json:"fajr,omitempty"`
	Sunrise string `json:"sunrise,omitempty"`
	Dhuhr   string `json:"dhuhr,omitempty"`
	Asr     string `json:"asr,omitempty"`
	Maghrib string `json:"maghrib,omitempty"`
	Isha    string `json:"isha,omitempty"`

	FajrJamah    string `json:"fajr_jamah,omitempty"`
	DhuhrJamah   string `json:"dhuhr_jamah,omitempty"`
	AsrJamah     string `json:"asr_jamah,omitempty"`
	MaghribJamah string `json:"maghrib_jamah,omitempty"`
	IshaJamah    string `json:"isha_jamah,omitempty"`

	Ramadan   bool   `json:"ramadan,omitempty"`
	HijriDate string `json:"hijri_date,omitempty"`
}

// Begins returns the published start clock for the named prayer, or ""
// when the timetable does not carry one.
func (r Record) Begins(n Name) string {
	switch n {
	case Fajr:
		return r.Fajr
	case Dhuhr:
		return r.Dhuhr
	case Asr:
		return r.Asr
	case Maghrib:
		return r.Maghrib
	case Isha:
		return r.Isha
	}
	return ""
}

// Jamah returns the published congregation clock for the named prayer,
// or "" when the timetable does not carry one.
func (r Record) Jamah(n Name) string {
	switch n {
	case Fajr:
		return r.FajrJamah
	case Dhuhr:
		return r.DhuhrJamah
	case Asr:
		return r.AsrJamah
	case Maghrib:
		return r.MaghribJamah
	case Isha:
		return r.IshaJamah
	}
	return ""
}

// ParseDate parses a canonical "YYYY-MM-DD" date string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if t.Format(DateFormat) != s {
		return time.Time{}, fmt.Errorf("invalid date %q: not in YYYY-MM-DD form", s)
	}
	return t, nil
}

// Validate checks the record's date and every present clock field.
// Errors wrap ErrBadRecord.
func (r Record) Validate() error {
	if _, err := ParseDate(r.Date); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	fields := map[string]string{
		"fajr":          r.Fajr,
		"sunrise":       r.Sunrise,
		"dhuhr":         r.Dhuhr,
		"asr":           r.Asr,
		"maghrib":       r.Maghrib,
		"isha":          r.Isha,
		"fajr_jamah":    r.FajrJamah,
		"dhuhr_jamah":   r.DhuhrJamah,
		"asr_jamah":     r.AsrJamah,
		"maghrib_jamah": r.MaghribJamah,
		"isha_jamah":    r.IshaJamah,
	}
	for name, clock := range fields {
		if clock == "" {
			continue
		}
		if _, err := ParseClock(clock); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrBadRecord, name, err)
		}
	}
	return nil
}

// normalize rewrites every present clock field into canonical zero
// padded form. The record must already have passed Validate.
func (r Record) normalize() Record {
	norm := func(s string) string {
		if s == "" {
			return ""
		}
		c, err := ParseClock(s)
		if err != nil {
			return s
		}
		return c.String()
	}
	r.Fajr = norm(r.Fajr)
	r.Sunrise = norm(r.Sunrise)
	r.Dhuhr = norm(r.Dhuhr)
	r.Asr = norm(r.Asr)
	r.Maghrib = norm(r.Maghrib)
	r.Isha = norm(r.Isha)
	r.FajrJamah = norm(r.FajrJamah)
	r.DhuhrJamah = norm(r.DhuhrJamah)
	r.AsrJamah = norm(r.AsrJamah)
	r.MaghribJamah = norm(r.MaghribJamah)
	r.IshaJamah = norm(r.IshaJamah)
	return r
}

// SortByDate orders records by their calendar date in place. Dates are
// canonical ISO strings, so lexicographic order is chronological.
func SortByDate(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Date < records[j].Date
	})
}

// Normalize validates an imported batch, drops records that fail
// validation, resolves duplicate dates by keeping the last occurrence,
// and returns the surviving records sorted by date. The returned
// warnings describe every dropped or overwritten row.
func Normalize(records []Record) ([]Record, []string) {
	var warnings []string
	byDate := make(map[string]Record, len(records))
	order := make([]string, 0, len(records))

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping record %q: %v", rec.Date, err))
			continue
		}
		rec = rec.normalize()
		if _, seen := byDate[rec.Date]; seen {
			warnings = append(warnings, fmt.Sprintf("duplicate date %s: keeping the last imported row", rec.Date))
		} else {
			order = append(order, rec.Date)
		}
		byDate[rec.Date] = rec
	}

	clean := make([]Record, 0, len(order))
	for _, date := range order {
		clean = append(clean, byDate[date])
	}
	SortByDate(clean)
	return clean, warnings
}
