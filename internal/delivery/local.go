package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"protocol-notifier/internal/logging"
)

// Local is an in-process delivery primitive. Each registered notification
// holds a timer; when it fires the content is handed to a Sender and a
// delivered event is emitted.
type Local struct {
	sender Sender
	logger *logging.Logger
	loc    *time.Location
	now    func() time.Time

	mu         sync.Mutex
	entries    map[string]*localEntry
	permission PermissionStatus
	closed     bool

	events chan Event
}

type localEntry struct {
	content  Content
	trigger  PlatformTrigger
	nextFire time.Time
	timer    *time.Timer
}

// NewLocal returns a Local with room for bufferSize undelivered events.
func NewLocal(sender Sender, logger *logging.Logger, loc *time.Location, bufferSize int) *Local {
	if loc == nil {
		loc = time.Local
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Local{
		sender:     sender,
		logger:     logger.WithComponent("delivery"),
		loc:        loc,
		now:        time.Now,
		entries:    make(map[string]*localEntry),
		permission: PermissionUndetermined,
		events:     make(chan Event, bufferSize),
	}
}

func (l *Local) ScheduleAt(_ context.Context, id string, content Content, trigger PlatformTrigger) (string, error) {
	if id == "" {
		return "", fmt.Errorf("notification id is required")
	}
	if trigger == nil {
		return "", fmt.Errorf("trigger is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", fmt.Errorf("delivery is closed")
	}

	if old, ok := l.entries[id]; ok {
		old.timer.Stop()
	}
	content.NotificationID = id
	e := &localEntry{content: content, trigger: trigger}
	l.entries[id] = e
	l.armLocked(id, e, l.now())
	return id, nil
}

func (l *Local) Cancel(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.timer.Stop()
	delete(l.entries, id)
	return nil
}

func (l *Local) ListScheduled(context.Context) ([]Registered, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Registered, 0, len(l.entries))
	for id, e := range l.entries {
		out = append(out, Registered{ID: id, Content: e.content, Trigger: e.trigger, NextFire: e.nextFire})
	}
	return out, nil
}

func (l *Local) Events() <-chan Event {
	return l.events
}

// Respond reports a user response to a delivered notification, e.g. a button
// pressed in a chat client.
func (l *Local) Respond(id, action string, content Content) {
	content.NotificationID = id
	l.emit(Event{Kind: EventResponse, NotificationID: id, Content: content, ActionIdentifier: action, At: l.now()})
}

// RequestPermission grants permission unless it was explicitly denied;
// server-side channels have no interactive prompt.
func (l *Local) RequestPermission(context.Context) (PermissionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender == nil {
		return PermissionDenied, nil
	}
	if l.permission == PermissionUndetermined {
		l.permission = PermissionGranted
	}
	return l.permission, nil
}

func (l *Local) CheckPermission(context.Context) (PermissionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permission, nil
}

// SetPermission overrides the permission state, e.g. when the user blocks the bot.
func (l *Local) SetPermission(status PermissionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.permission = status
}

// Close stops every timer. Pending notifications are dropped.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, e := range l.entries {
		e.timer.Stop()
		delete(l.entries, id)
	}
}

func (l *Local) armLocked(id string, e *localEntry, from time.Time) {
	e.nextFire = e.trigger.Next(from, l.loc)
	wait := e.nextFire.Sub(from)
	if wait < 0 {
		wait = 0
	}
	e.timer = time.AfterFunc(wait, func() { l.fire(id, e) })
}

func (l *Local) fire(id string, e *localEntry) {
	l.mu.Lock()
	if current, ok := l.entries[id]; !ok || current != e || l.closed {
		l.mu.Unlock()
		return
	}
	content := e.content
	if e.trigger.Repeating() {
		// re-arm from just past this occurrence
		l.armLocked(id, e, e.nextFire.Add(time.Second))
	} else {
		delete(l.entries, id)
	}
	l.mu.Unlock()

	if l.sender == nil {
		l.logger.Warnf("No sender configured, dropping notification %s", id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.sender.Send(ctx, content); err != nil {
		l.logger.Errorf("Failed to send notification %s: %v", id, err)
		return
	}
	l.emit(Event{Kind: EventDelivered, NotificationID: id, Content: content, At: l.now()})
}

func (l *Local) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warnf("Event queue full, dropping %s event for %s", ev.Kind, ev.NotificationID)
	}
}
