package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"protocol-notifier/internal/models"
	"protocol-notifier/internal/utils"
)

var (
	// ErrAlreadyActioned is returned when a response is recorded twice for one delivery.
	ErrAlreadyActioned = errors.New("history entry already has an action")
	// ErrEntryNotFound is returned when no entry exists for a notification id.
	ErrEntryNotFound = errors.New("no history entry for notification")
)

// Tracker turns scheduler and delivery events into history entries.
// Updates to the entries of one notification id are serialized.
type Tracker struct {
	repo  Repository
	now   func() time.Time
	locks *utils.KeyLocks
}

func NewTracker(repo Repository, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{repo: repo, now: now, locks: utils.NewKeyLocks()}
}

// RecordScheduled adds an entry for a freshly scheduled notification.
func (t *Tracker) RecordScheduled(ctx context.Context, n models.ScheduledNotification) (models.HistoryEntry, error) {
	e := entryFor(n, t.now())
	if err := t.repo.Save(ctx, e); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to record scheduled notification %s: %w", n.ID, err)
	}
	return e, nil
}

// RecordDelivered fills in the newest undelivered entry of n, or adds one
// when every entry is already delivered. A daily reminder therefore gets
// one entry per day it fires.
func (t *Tracker) RecordDelivered(ctx context.Context, n models.ScheduledNotification, at time.Time) (models.HistoryEntry, error) {
	unlock := t.locks.Lock(n.ID)
	defer unlock()

	entries, err := t.repo.List(ctx, models.HistoryFilter{NotificationID: n.ID})
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to load history for %s: %w", n.ID, err)
	}
	e, found := models.HistoryEntry{}, false
	for _, existing := range entries {
		if !existing.Delivered() {
			e, found = existing, true
			break
		}
	}
	if !found {
		e = entryFor(n, t.now())
	}
	e.DeliveredTime = &at
	if e.ScheduledTime.IsZero() || n.Trigger.Kind == models.TriggerDailyRepeating {
		e.ScheduledTime = at
	}
	if err := t.repo.Save(ctx, e); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to record delivery of %s: %w", n.ID, err)
	}
	return e, nil
}

// RecordCancelled removes the entries of notificationID that were neither
// delivered nor answered and returns how many were removed.
func (t *Tracker) RecordCancelled(ctx context.Context, notificationID string) (int, error) {
	unlock := t.locks.Lock(notificationID)
	defer unlock()

	entries, err := t.repo.List(ctx, models.HistoryFilter{NotificationID: notificationID})
	if err != nil {
		return 0, fmt.Errorf("failed to load history for %s: %w", notificationID, err)
	}
	removed := 0
	for _, e := range entries {
		if e.Delivered() || e.Actioned() {
			continue
		}
		if err := t.repo.Delete(ctx, e.ID); err != nil {
			return removed, fmt.Errorf("failed to drop cancelled entry %s: %w", e.ID, err)
		}
		removed++
	}
	return removed, nil
}

// RecordAction attaches the user's response to the latest delivered entry of
// notificationID, falling back to the latest entry of any kind.
func (t *Tracker) RecordAction(ctx context.Context, notificationID, action string, at time.Time) (models.HistoryEntry, error) {
	unlock := t.locks.Lock(notificationID)
	defer unlock()

	entries, err := t.repo.List(ctx, models.HistoryFilter{NotificationID: notificationID})
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to load history for %s: %w", notificationID, err)
	}
	if len(entries) == 0 {
		return models.HistoryEntry{}, fmt.Errorf("%s: %w", notificationID, ErrEntryNotFound)
	}

	target := entries[0]
	for _, e := range entries {
		if e.Delivered() {
			target = e
			break
		}
	}
	if target.Actioned() {
		return target, fmt.Errorf("%s: %w", notificationID, ErrAlreadyActioned)
	}

	target.ActionedTime = &at
	target.Action = &action
	stored, err := t.repo.SaveAction(ctx, target)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to record action for %s: %w", notificationID, err)
	}
	if !stored {
		// answered by another instance between List and SaveAction
		return target, fmt.Errorf("%s: %w", notificationID, ErrAlreadyActioned)
	}
	return target, nil
}

func entryFor(n models.ScheduledNotification, now time.Time) models.HistoryEntry {
	e := models.HistoryEntry{
		ID:             uuid.NewString(),
		UserID:         n.UserID,
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		ScheduledTime:  n.FireAt,
		CreatedAt:      now,
	}
	if n.RelatedEntityID != "" {
		id := n.RelatedEntityID
		e.RelatedEntityID = &id
	}
	if n.RelatedEntityType != "" {
		kind := n.RelatedEntityType
		e.RelatedEntityType = &kind
	}
	return e
}
