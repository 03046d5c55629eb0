package models

import (
	"fmt"
	"time"
)

// NotificationType identifies what a notification is about.
type NotificationType string

const (
	TypeDailyReminder     NotificationType = "daily_reminder"
	TypeDosePreReminder   NotificationType = "dose_pre_reminder"
	TypeDoseReminder      NotificationType = "dose_reminder"
	TypeWashoutStart      NotificationType = "washout_start"
	TypeWashoutWarning    NotificationType = "washout_warning"
	TypeWashoutEnd        NotificationType = "washout_end"
	TypeTestStartReminder NotificationType = "test_start_reminder"
	TypeTestStartFollowUp NotificationType = "test_start_followup"
)

// CriticalType is the only type allowed to bypass quiet hours.
const CriticalType = TypeDoseReminder

// Action identifiers attached to notifications and reported back by the user.
const (
	ActionSnooze    = "snooze"
	ActionMarkTaken = "mark_taken"
	ActionDismiss   = "dismiss"
	ActionOpen      = "open"
)

// TriggerKind tags the Trigger variant.
type TriggerKind string

const (
	TriggerOneShot        TriggerKind = "one_shot"
	TriggerDailyRepeating TriggerKind = "daily_repeating"
)

// Trigger is either OneShot{At} or DailyRepeating{Hour, Minute}.
// StartAfter only applies to daily triggers: no occurrence fires before it.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	At         time.Time   `json:"at,omitempty"`
	Hour       int         `json:"hour,omitempty"`
	Minute     int         `json:"minute,omitempty"`
	StartAfter *time.Time  `json:"start_after,omitempty"`
}

// OneShot builds a trigger firing once at t.
func OneShot(t time.Time) Trigger {
	return Trigger{Kind: TriggerOneShot, At: t}
}

// DailyAt builds a trigger firing every day at hour:minute.
func DailyAt(hour, minute int) Trigger {
	return Trigger{Kind: TriggerDailyRepeating, Hour: hour, Minute: minute}
}

// Validate checks the variant carries the fields it needs.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerOneShot:
		if t.At.IsZero() {
			return fmt.Errorf("one-shot trigger has no time")
		}
	case TriggerDailyRepeating:
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("daily trigger %02d:%02d out of range", t.Hour, t.Minute)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// NextOccurrence returns the first instant >= from at which the trigger fires,
// evaluated in loc. For a one-shot trigger it is simply At.
func (t Trigger) NextOccurrence(from time.Time, loc *time.Location) time.Time {
	if t.Kind == TriggerOneShot {
		return t.At
	}
	if loc == nil {
		loc = time.Local
	}
	if t.StartAfter != nil && t.StartAfter.After(from) {
		from = *t.StartAfter
	}
	local := from.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
	if next.Before(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NotificationKey is the logical identity of a notification:
// "the one dose reminder for test step X".
type NotificationKey struct {
	Type            NotificationType `json:"type"`
	RelatedEntityID string           `json:"related_entity_id"`
}

func (k NotificationKey) String() string {
	return string(k.Type) + ":" + k.RelatedEntityID
}

// ScheduleInput describes a notification to be scheduled.
type ScheduleInput struct {
	ID                string           `json:"id,omitempty"`
	UserID            string           `json:"user_id"`
	Type              NotificationType `json:"type" binding:"required"`
	Title             string           `json:"title" binding:"required"`
	Body              string           `json:"body"`
	Data              map[string]any   `json:"data,omitempty"`
	Trigger           Trigger          `json:"trigger"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	RelatedEntityType string           `json:"related_entity_type,omitempty"`
	Actions           []string         `json:"actions,omitempty"`
}

// Key returns the logical key of the input.
func (in ScheduleInput) Key() NotificationKey {
	return NotificationKey{Type: in.Type, RelatedEntityID: in.RelatedEntityID}
}

// ScheduledNotification is a notification registered with the delivery primitive.
type ScheduledNotification struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id,omitempty"`
	Type              NotificationType `json:"type"`
	Title             string           `json:"title"`
	Body              string           `json:"body"`
	Data              map[string]any   `json:"data,omitempty"`
	Trigger           Trigger          `json:"trigger"`
	FireAt            time.Time        `json:"fire_at"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	RelatedEntityType string           `json:"related_entity_type,omitempty"`
	Actions           []string         `json:"actions,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Key returns the logical key of the notification.
func (n ScheduledNotification) Key() NotificationKey {
	return NotificationKey{Type: n.Type, RelatedEntityID: n.RelatedEntityID}
}

// Input rebuilds the input that produced n, keeping its id.
func (n ScheduledNotification) Input() ScheduleInput {
	return ScheduleInput{
		ID:                n.ID,
		UserID:            n.UserID,
		Type:              n.Type,
		Title:             n.Title,
		Body:              n.Body,
		Data:              n.Data,
		Trigger:           n.Trigger,
		RelatedEntityID:   n.RelatedEntityID,
		RelatedEntityType: n.RelatedEntityType,
		Actions:           n.Actions,
	}
}
