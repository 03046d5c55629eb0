// Package delivery defines the capability the scheduler registers
// notifications with, and the events it reports back.
package delivery

import (
	"context"
	"errors"
	"time"

	"protocol-notifier/internal/models"
)

// ErrNotFound is returned by Cancel for ids the primitive does not know.
var ErrNotFound = errors.New("notification not registered")

// PermissionStatus mirrors the platform permission states.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Content is what the user sees, plus routing data.
type Content struct {
	NotificationID  string                  `json:"notification_id"`
	UserID          string                  `json:"user_id,omitempty"`
	Type            models.NotificationType `json:"type"`
	Title           string                  `json:"title"`
	Body            string                  `json:"body"`
	Data            map[string]any          `json:"data,omitempty"`
	Actions         []string                `json:"actions,omitempty"`
	RelatedEntityID string                  `json:"related_entity_id,omitempty"`
}

// PlatformTrigger is the platform-side trigger format: DateTrigger or CalendarTrigger.
type PlatformTrigger interface {
	// Next returns the first fire time at or after from, evaluated in loc.
	Next(from time.Time, loc *time.Location) time.Time
	Repeating() bool
}

// DateTrigger fires once at a fixed instant.
type DateTrigger struct {
	At time.Time
}

func (t DateTrigger) Next(time.Time, *time.Location) time.Time { return t.At }
func (t DateTrigger) Repeating() bool                          { return false }

// CalendarTrigger fires at a wall-clock time, optionally every day.
type CalendarTrigger struct {
	Hour       int
	Minute     int
	Repeats    bool
	StartAfter *time.Time
}

func (t CalendarTrigger) Next(from time.Time, loc *time.Location) time.Time {
	return models.Trigger{
		Kind:       models.TriggerDailyRepeating,
		Hour:       t.Hour,
		Minute:     t.Minute,
		StartAfter: t.StartAfter,
	}.NextOccurrence(from, loc)
}

func (t CalendarTrigger) Repeating() bool { return t.Repeats }

// Registered is a notification the primitive currently holds.
type Registered struct {
	ID       string
	Content  Content
	Trigger  PlatformTrigger
	NextFire time.Time
}

// EventKind distinguishes delivery from user response.
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventResponse  EventKind = "response"
)

// Event is pushed by the primitive when a notification is shown or answered.
type Event struct {
	Kind             EventKind `json:"kind"`
	NotificationID   string    `json:"notification_id"`
	Content          Content   `json:"content"`
	ActionIdentifier string    `json:"action_identifier,omitempty"`
	At               time.Time `json:"at"`
}

// Primitive is the scheduling capability provided by the platform.
type Primitive interface {
	ScheduleAt(ctx context.Context, id string, content Content, trigger PlatformTrigger) (string, error)
	Cancel(ctx context.Context, id string) error
	ListScheduled(ctx context.Context) ([]Registered, error)
}

// EventSource exposes delivered/response events as a channel.
type EventSource interface {
	Events() <-chan Event
}

// Permissions gates whether notifications may be shown at all.
type Permissions interface {
	RequestPermission(ctx context.Context) (PermissionStatus, error)
	CheckPermission(ctx context.Context) (PermissionStatus, error)
}

// Sender pushes notification content to the user through a concrete channel.
type Sender interface {
	Send(ctx context.Context, content Content) error
}
