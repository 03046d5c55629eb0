package notification

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/history"
	"protocol-notifier/internal/models"
)

// handleEvent records a delivery or user response and applies its effect.
func (s *Service) handleEvent(ctx context.Context, ev delivery.Event) {
	logger := s.logger.WithFields(logrus.Fields{
		"event":           string(ev.Kind),
		"notification_id": ev.NotificationID,
	})
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}

	switch ev.Kind {
	case delivery.EventDelivered:
		n, ok, err := s.scheduler.MarkDelivered(ctx, ev.NotificationID)
		if err != nil {
			logger.Warnf("Failed to update tracking: %v", err)
		}
		if !ok {
			n = fromContent(ev)
		}
		if _, err := s.tracker.RecordDelivered(ctx, n, at); err != nil {
			logger.Errorf("Failed to record delivery: %v", err)
		}

	case delivery.EventResponse:
		entry, err := s.tracker.RecordAction(ctx, ev.NotificationID, ev.ActionIdentifier, at)
		switch {
		case errors.Is(err, history.ErrAlreadyActioned):
			logger.Infof("Duplicate response %q ignored", ev.ActionIdentifier)
			return
		case err != nil:
			logger.Warnf("Failed to record response: %v", err)
		}
		s.applyAction(ctx, ev, entry)

	default:
		logger.Warnf("Unknown event kind, ignoring")
		return
	}

	if err := s.analyzer.Invalidate(ctx, s.config.UserID); err != nil {
		logger.Warnf("Failed to invalidate adherence cache: %v", err)
	}
}

func (s *Service) applyAction(ctx context.Context, ev delivery.Event, entry models.HistoryEntry) {
	switch ev.ActionIdentifier {
	case models.ActionSnooze:
		id, err := s.SnoozeDoseReminder(ctx, ev.NotificationID)
		if err != nil {
			s.logger.Errorf("Failed to snooze %s: %v", ev.NotificationID, err)
			return
		}
		s.logger.Infof("Snoozed %s as %s", ev.NotificationID, id)

	case models.ActionMarkTaken:
		stepID := ev.Content.RelatedEntityID
		if stepID == "" && entry.RelatedEntityID != nil {
			stepID = *entry.RelatedEntityID
		}
		if stepID == "" {
			s.logger.Warnf("Dose %s marked taken without a test step", ev.NotificationID)
			return
		}
		if err := s.CancelDoseReminders(ctx, stepID); err != nil {
			s.logger.Errorf("Failed to cancel reminders for step %s: %v", stepID, err)
		}
	}
}

// fromContent rebuilds a notification the scheduler no longer tracks.
func fromContent(ev delivery.Event) models.ScheduledNotification {
	return models.ScheduledNotification{
		ID:              ev.NotificationID,
		UserID:          ev.Content.UserID,
		Type:            ev.Content.Type,
		Title:           ev.Content.Title,
		Body:            ev.Content.Body,
		Data:            ev.Content.Data,
		FireAt:          ev.At,
		RelatedEntityID: ev.Content.RelatedEntityID,
		Actions:         ev.Content.Actions,
		Trigger:         models.OneShot(ev.At),
	}
}
