// Package quiethours implements the time-window arithmetic that decides
// whether a notification falls inside the user's quiet hours.
package quiethours

import (
	"sync"
	"time"

	"protocol-notifier/internal/models"
)

// Buffer is added after the end of a quiet window before deferred notifications fire.
const Buffer = 15 * time.Minute

// CriticalWindow is how close to now a critical notification must be to bypass quiet hours.
const CriticalWindow = time.Hour

// Manager evaluates a QuietHoursConfig. It holds no other state and is safe
// for concurrent use.
type Manager struct {
	mu  sync.RWMutex
	cfg models.QuietHoursConfig
	loc *time.Location
	now func() time.Time
}

// New returns a Manager evaluating cfg in loc. A nil loc means time.Local and a nil now means time.Now.
func New(cfg models.QuietHoursConfig, loc *time.Location, now func() time.Time) *Manager {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, loc: loc, now: now}
}

// Config returns the active configuration.
func (m *Manager) Config() models.QuietHoursConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig replaces the active configuration after validating it.
func (m *Manager) SetConfig(cfg models.QuietHoursConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Location returns the zone quiet hours are evaluated in.
func (m *Manager) Location() *time.Location {
	return m.loc
}

// IsInQuietHours reports whether t falls inside the window. A disabled
// configuration never contains any instant.
func (m *Manager) IsInQuietHours(t time.Time) bool {
	return inWindow(m.Config(), t.In(m.loc))
}

// NextAvailableTime returns t unchanged outside quiet hours, otherwise the
// end of the current window plus Buffer.
func (m *Manager) NextAvailableTime(t time.Time) time.Time {
	cfg := m.Config()
	local := t.In(m.loc)
	if !inWindow(cfg, local) {
		return t
	}

	end := cfg.End.On(local, m.loc)
	if cfg.CrossesMidnight() && minutesOf(local) >= cfg.Start.Minutes() {
		// start side of a wrapping window: the window ends tomorrow
		end = end.AddDate(0, 0, 1)
	}
	return end.Add(Buffer)
}

// ShouldOverrideQuietHours reports whether a notification of type nt
// scheduled at scheduled may fire inside quiet hours. Only the critical type
// qualifies, only when allowed, and only when it is due within the next hour.
func (m *Manager) ShouldOverrideQuietHours(nt models.NotificationType, scheduled time.Time) bool {
	cfg := m.Config()
	if !cfg.Enabled || !cfg.AllowCritical || nt != models.CriticalType {
		return false
	}
	until := scheduled.Sub(m.now())
	return until >= 0 && until <= CriticalWindow
}

func inWindow(cfg models.QuietHoursConfig, local time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	start, end := cfg.Start.Minutes(), cfg.End.Minutes()
	if start == end {
		return false
	}
	m := minutesOf(local)
	if start > end {
		return m >= start || m < end
	}
	return m >= start && m < end
}

func minutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
