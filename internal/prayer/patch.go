package prayer

import "fmt"

// Patch is a partial update to a single Record. Nil fields are left
// untouched; a pointer to the empty string clears the field.
type Patch struct {
	Fajr    *string `json:"fajr,omitempty"`
	Sunrise *string `json:"sunrise,omitempty"`
	Dhuhr   *string `json:"dhuhr,omitempty"`
	Asr     *string `json:"asr,omitempty"`
	Maghrib *string `json:"maghrib,omitempty"`
	Isha    *string `json:"isha,omitempty"`

	FajrJamah    *string `json:"fajr_jamah,omitempty"`
	DhuhrJamah   *string `json:"dhuhr_jamah,omitempty"`
	AsrJamah     *string `json:"asr_jamah,omitempty"`
	MaghribJamah *string `json:"maghrib_jamah,omitempty"`
	IshaJamah    *string `json:"isha_jamah,omitempty"`

	Ramadan   *bool   `json:"ramadan,omitempty"`
	HijriDate *string `json:"hijri_date,omitempty"`
}

// Validate checks that every set clock field parses. The date key is
// addressed by the caller, not the patch, so it cannot be changed here.
func (p Patch) Validate() error {
	clocks := map[string]*string{
		"fajr":          p.Fajr,
		"sunrise":       p.Sunrise,
		"dhuhr":         p.Dhuhr,
		"asr":           p.Asr,
		"maghrib":       p.Maghrib,
		"isha":          p.Isha,
		"fajr_jamah":    p.FajrJamah,
		"dhuhr_jamah":   p.DhuhrJamah,
		"asr_jamah":     p.AsrJamah,
		"maghrib_jamah": p.MaghribJamah,
		"isha_jamah":    p.IshaJamah,
	}
	for name, v := range clocks {
		if v == nil || *v == "" {
			continue
		}
		if _, err := ParseClock(*v); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrBadRecord, name, err)
		}
	}
	return nil
}

// Apply merges the patch into rec.
func (p Patch) Apply(rec *Record) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&rec.Fajr, p.Fajr)
	set(&rec.Sunrise, p.Sunrise)
	set(&rec.Dhuhr, p.Dhuhr)
	set(&rec.Asr, p.Asr)
	set(&rec.Maghrib, p.Maghrib)
	set(&rec.Isha, p.Isha)
	set(&rec.FajrJamah, p.FajrJamah)
	set(&rec.DhuhrJamah, p.DhuhrJamah)
	set(&rec.AsrJamah, p.AsrJamah)
	set(&rec.MaghribJamah, p.MaghribJamah)
	set(&rec.IshaJamah, p.IshaJamah)
	set(&rec.HijriDate, p.HijriDate)
	if p.Ramadan != nil {
		rec.Ramadan = *p.Ramadan
	}
}
