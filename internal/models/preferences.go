package models

// PreferencesVersion is the current persisted layout version.
const PreferencesVersion = 3

// DefaultDoseReminderAdvanceMinutes is how long before a dose the pre-dose reminder fires.
const DefaultDoseReminderAdvanceMinutes = 30

// Preferences is the persisted notification preference record.
type Preferences struct {
	Version                     int                   `json:"version"`
	DailyReminderEnabled        bool                  `json:"daily_reminder_enabled"`
	DoseReminderEnabled         bool                  `json:"dose_reminder_enabled"`
	WashoutNotificationsEnabled bool                  `json:"washout_notifications_enabled"`
	TestStartReminderEnabled    bool                  `json:"test_start_reminder_enabled"`
	DailyReminderTime           TimeOfDay             `json:"daily_reminder_time"`
	DoseReminderAdvanceMinutes  int                   `json:"dose_reminder_advance_minutes"`
	QuietHours                  QuietHoursConfig      `json:"quiet_hours"`
	AdaptiveFrequencyEnabled    bool                  `json:"adaptive_frequency_enabled"`
	CurrentFrequency            NotificationFrequency `json:"current_frequency"`
}

// DefaultPreferences returns the record used on first launch.
func DefaultPreferences() Preferences {
	return Preferences{
		Version:                     PreferencesVersion,
		DailyReminderEnabled:        true,
		DoseReminderEnabled:         true,
		WashoutNotificationsEnabled: true,
		TestStartReminderEnabled:    true,
		DailyReminderTime:           TimeOfDay{Hour: 20},
		DoseReminderAdvanceMinutes:  DefaultDoseReminderAdvanceMinutes,
		QuietHours:                  DefaultQuietHours(),
		AdaptiveFrequencyEnabled:    true,
		CurrentFrequency:            FrequencyFull,
	}
}

// Enabled reports whether the toggle governing t is on.
func (p Preferences) Enabled(t NotificationType) bool {
	switch t {
	case TypeDailyReminder:
		return p.DailyReminderEnabled
	case TypeDosePreReminder, TypeDoseReminder:
		return p.DoseReminderEnabled
	case TypeWashoutStart, TypeWashoutWarning, TypeWashoutEnd:
		return p.WashoutNotificationsEnabled
	case TypeTestStartReminder, TypeTestStartFollowUp:
		return p.TestStartReminderEnabled
	default:
		return true
	}
}
