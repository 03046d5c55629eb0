package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0..23", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0..59", t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at this time of day on the calendar date of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	tod := TimeOfDay{Hour: h, Minute: m}
	if err := tod.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}

// UnmarshalJSON accepts both {"hour":..,"minute":..} and "HH:MM".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseTimeOfDay(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	type alias TimeOfDay
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = TimeOfDay(a)
	return nil
}

// QuietHoursConfig is the window during which non-critical notifications are deferred.
type QuietHoursConfig struct {
	Enabled       bool      `json:"enabled"`
	Start         TimeOfDay `json:"start"`
	End           TimeOfDay `json:"end"`
	AllowCritical bool      `json:"allow_critical"`
}

// Validate enforces start != end and field ranges.
func (c QuietHoursConfig) Validate() error {
	if err := c.Start.Validate(); err != nil {
		return fmt.Errorf("invalid quiet hours start: %w", err)
	}
	if err := c.End.Validate(); err != nil {
		return fmt.Errorf("invalid quiet hours end: %w", err)
	}
	if c.Start.Minutes() == c.End.Minutes() {
		return fmt.Errorf("quiet hours start and end are both %s", c.Start)
	}
	return nil
}

// CrossesMidnight reports whether the window spans two calendar days.
func (c QuietHoursConfig) CrossesMidnight() bool {
	return c.Start.Minutes() > c.End.Minutes()
}

// DefaultQuietHours is 22:00–07:00 with critical bypass allowed.
func DefaultQuietHours() QuietHoursConfig {
	return QuietHoursConfig{
		Enabled:       true,
		Start:         TimeOfDay{Hour: 22},
		End:           TimeOfDay{Hour: 7},
		AllowCritical: true,
	}
}
