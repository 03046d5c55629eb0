package models

import "time"

// HistoryEntry records a scheduled or delivered notification and the user's response.
// It is mutated at most once, to add ActionedTime and Action.
type HistoryEntry struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	NotificationID    string           `json:"notification_id"`
	Type              NotificationType `json:"type"`
	Title             string           `json:"title"`
	Body              string           `json:"body"`
	ScheduledTime     time.Time        `json:"scheduled_time"`
	DeliveredTime     *time.Time       `json:"delivered_time,omitempty"`
	ActionedTime      *time.Time       `json:"actioned_time,omitempty"`
	Action            *string          `json:"action,omitempty"`
	RelatedEntityID   *string          `json:"related_entity_id,omitempty"`
	RelatedEntityType *string          `json:"related_entity_type,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Delivered reports whether the entry describes a delivered notification.
func (e HistoryEntry) Delivered() bool {
	return e.DeliveredTime != nil
}

// Actioned reports whether the user responded.
func (e HistoryEntry) Actioned() bool {
	return e.ActionedTime != nil
}

// HistoryFilter narrows history queries. Zero values mean "any".
type HistoryFilter struct {
	UserID         string           `form:"user_id"`
	NotificationID string           `form:"notification_id"`
	Type           NotificationType `form:"type"`
	From           time.Time        `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             time.Time        `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit          int              `form:"limit"`
}

// Match reports whether e passes the filter. Date bounds apply to ScheduledTime,
// From inclusive and To exclusive.
func (f HistoryFilter) Match(e HistoryEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.NotificationID != "" && e.NotificationID != f.NotificationID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.ScheduledTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.ScheduledTime.Before(f.To) {
		return false
	}
	return true
}

// NotificationStatistics summarises history over a period.
type NotificationStatistics struct {
	UserID              string                   `json:"user_id"`
	PeriodStart         time.Time                `json:"period_start"`
	PeriodEnd           time.Time                `json:"period_end"`
	Total               int                      `json:"total"`
	Delivered           int                      `json:"delivered"`
	Actioned            int                      `json:"actioned"`
	Missed              int                      `json:"missed"`
	ResponseRate        float64                  `json:"response_rate"`
	AverageResponseTime time.Duration            `json:"average_response_time"`
	ByType              map[NotificationType]int `json:"by_type"`
	ByAction            map[string]int           `json:"by_action"`
}
