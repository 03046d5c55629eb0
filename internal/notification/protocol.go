package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/scheduler"
)

const (
	dailyReminderEntity = "daily"

	testReminderDelay = 2 * time.Hour
	testFollowUpDelay = 48 * time.Hour
	washoutWarning    = 24 * time.Hour
)

// DoseReminderInput describes one scheduled dose of a test step.
type DoseReminderInput struct {
	TestStepID string    `json:"test_step_id" binding:"required"`
	DoseTime   time.Time `json:"dose_time" binding:"required"`
	FoodName   string    `json:"food_name"`
	DoseLabel  string    `json:"dose_label"`
}

// WashoutInput describes a washout period between tests.
type WashoutInput struct {
	WashoutID string    `json:"washout_id" binding:"required"`
	Start     time.Time `json:"start" binding:"required"`
	End       time.Time `json:"end" binding:"required"`
}

// TestStartInput describes a test that becomes available to start.
type TestStartInput struct {
	TestID      string    `json:"test_id" binding:"required"`
	TestName    string    `json:"test_name"`
	AvailableAt time.Time `json:"available_at" binding:"required"`
}

// Allows reports whether frequency f keeps notifications of type t.
// Reduced drops the pre-dose reminder and the test-start follow-up;
// minimal also drops the washout warning.
func Allows(f models.NotificationFrequency, t models.NotificationType) bool {
	switch t {
	case models.TypeDosePreReminder, models.TypeTestStartFollowUp:
		return f.Level() >= models.FrequencyFull.Level()
	case models.TypeWashoutWarning:
		return f.Level() >= models.FrequencyReduced.Level()
	default:
		return true
	}
}

// ScheduleDailyReminder registers the daily symptom-log reminder at the
// configured time, replacing any existing one.
func (s *Service) ScheduleDailyReminder(ctx context.Context) (string, error) {
	const op = "schedule daily reminder"
	prefs, err := s.gate(ctx, op, models.TypeDailyReminder)
	if err != nil {
		return "", err
	}
	key := models.NotificationKey{Type: models.TypeDailyReminder, RelatedEntityID: dailyReminderEntity}
	if err := s.cancelKeys(ctx, op, key); err != nil {
		return "", err
	}

	t := prefs.DailyReminderTime
	ids, err := s.scheduleAll(ctx, []models.ScheduleInput{{
		UserID:            s.config.UserID,
		Type:              models.TypeDailyReminder,
		Title:             "Time to log your symptoms",
		Body:              "Take a minute to record how you are feeling today.",
		Trigger:           models.DailyAt(t.Hour, t.Minute),
		RelatedEntityID:   dailyReminderEntity,
		RelatedEntityType: "symptom_log",
		Actions:           []string{models.ActionOpen, models.ActionDismiss},
	}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SuppressDailyReminderToday skips today's daily reminder, e.g. once the
// user has logged symptoms. The reminder continues tomorrow under a new id.
func (s *Service) SuppressDailyReminderToday(ctx context.Context) (string, error) {
	const op = "suppress daily reminder"
	pending, err := s.scheduler.Pending(ctx)
	if err != nil {
		return "", models.SchedulingFailed(op, err)
	}
	key := models.NotificationKey{Type: models.TypeDailyReminder, RelatedEntityID: dailyReminderEntity}
	for _, n := range pending {
		if n.Key() != key {
			continue
		}
		id, err := s.scheduler.SuppressToday(ctx, n.ID)
		if err != nil {
			return "", err
		}
		s.recordScheduled(ctx, id)
		return id, nil
	}
	return "", models.SchedulingFailed(op, fmt.Errorf("daily reminder: %w", scheduler.ErrNotScheduled))
}

// ScheduleDoseReminder registers the pre-dose reminder (dose minus the
// configured advance) and the dose-time reminder for one test step.
func (s *Service) ScheduleDoseReminder(ctx context.Context, in DoseReminderInput) ([]string, error) {
	const op = "schedule dose reminder"
	prefs, err := s.gate(ctx, op, models.TypeDoseReminder)
	if err != nil {
		return nil, err
	}
	if err := s.cancelKeys(ctx, op, doseKeys(in.TestStepID)...); err != nil {
		return nil, err
	}

	label := in.DoseLabel
	if label == "" {
		label = "your dose"
	}
	if in.FoodName != "" {
		label = fmt.Sprintf("%s of %s", label, in.FoodName)
	}
	data := map[string]any{"test_step_id": in.TestStepID, "dose_time": in.DoseTime.Format(time.RFC3339)}

	now := s.now()
	var inputs []models.ScheduleInput
	pre := in.DoseTime.Add(-time.Duration(prefs.DoseReminderAdvanceMinutes) * time.Minute)
	if prefs.DoseReminderAdvanceMinutes > 0 && pre.After(now) && Allows(prefs.CurrentFrequency, models.TypeDosePreReminder) {
		inputs = append(inputs, models.ScheduleInput{
			UserID:            s.config.UserID,
			Type:              models.TypeDosePreReminder,
			Title:             "Dose coming up",
			Body:              fmt.Sprintf("Get ready: %s is due in %d minutes.", label, prefs.DoseReminderAdvanceMinutes),
			Data:              data,
			Trigger:           models.OneShot(pre),
			RelatedEntityID:   in.TestStepID,
			RelatedEntityType: "test_step",
		})
	}
	if in.DoseTime.After(now) {
		inputs = append(inputs, models.ScheduleInput{
			UserID:            s.config.UserID,
			Type:              models.TypeDoseReminder,
			Title:             "Time for your dose",
			Body:              fmt.Sprintf("Take %s now.", label),
			Data:              data,
			Trigger:           models.OneShot(in.DoseTime),
			RelatedEntityID:   in.TestStepID,
			RelatedEntityType: "test_step",
			Actions:           []string{models.ActionSnooze, models.ActionMarkTaken},
		})
	}
	return s.scheduleAll(ctx, inputs)
}

// ScheduleWashoutNotifications registers the start, 24-hour warning and end
// notifications of a washout period.
func (s *Service) ScheduleWashoutNotifications(ctx context.Context, in WashoutInput) ([]string, error) {
	const op = "schedule washout notifications"
	if !in.End.After(in.Start) {
		return nil, models.SchedulingFailed(op, fmt.Errorf("washout %s ends before it starts", in.WashoutID))
	}
	prefs, err := s.gate(ctx, op, models.TypeWashoutStart)
	if err != nil {
		return nil, err
	}
	if err := s.cancelKeys(ctx, op, washoutKeys(in.WashoutID)...); err != nil {
		return nil, err
	}

	now := s.now()
	data := map[string]any{"washout_id": in.WashoutID}
	var inputs []models.ScheduleInput
	if in.Start.After(now) {
		inputs = append(inputs, s.washoutInput(models.TypeWashoutStart, in, in.Start, data,
			"Washout period starts", "Your washout period begins now. Avoid test foods until it ends."))
	}
	warning := in.End.Add(-washoutWarning)
	if warning.After(now) && warning.After(in.Start) && Allows(prefs.CurrentFrequency, models.TypeWashoutWarning) {
		inputs = append(inputs, s.washoutInput(models.TypeWashoutWarning, in, warning, data,
			"Washout ends tomorrow", "Your washout period ends in 24 hours. Get ready for your next test."))
	}
	if in.End.After(now) {
		inputs = append(inputs, s.washoutInput(models.TypeWashoutEnd, in, in.End, data,
			"Washout complete", "Your washout period is over. You can start your next test."))
	}
	return s.scheduleAll(ctx, inputs)
}

// ScheduleTestStartReminder reminds the user to start a test two hours after
// it becomes available, with a follow-up after 48 hours.
func (s *Service) ScheduleTestStartReminder(ctx context.Context, in TestStartInput) ([]string, error) {
	const op = "schedule test start reminder"
	prefs, err := s.gate(ctx, op, models.TypeTestStartReminder)
	if err != nil {
		return nil, err
	}
	if err := s.cancelKeys(ctx, op, testStartKeys(in.TestID)...); err != nil {
		return nil, err
	}

	name := in.TestName
	if name == "" {
		name = "Your next test"
	}
	now := s.now()
	data := map[string]any{"test_id": in.TestID}
	var inputs []models.ScheduleInput
	if at := in.AvailableAt.Add(testReminderDelay); at.After(now) {
		inputs = append(inputs, models.ScheduleInput{
			UserID:            s.config.UserID,
			Type:              models.TypeTestStartReminder,
			Title:             "Ready to start your test",
			Body:              fmt.Sprintf("%s is ready to begin.", name),
			Data:              data,
			Trigger:           models.OneShot(at),
			RelatedEntityID:   in.TestID,
			RelatedEntityType: "test",
			Actions:           []string{models.ActionOpen, models.ActionDismiss},
		})
	}
	if at := in.AvailableAt.Add(testFollowUpDelay); at.After(now) && Allows(prefs.CurrentFrequency, models.TypeTestStartFollowUp) {
		inputs = append(inputs, models.ScheduleInput{
			UserID:            s.config.UserID,
			Type:              models.TypeTestStartFollowUp,
			Title:             "Your test is still waiting",
			Body:              fmt.Sprintf("%s has not been started yet.", name),
			Data:              data,
			Trigger:           models.OneShot(at),
			RelatedEntityID:   in.TestID,
			RelatedEntityType: "test",
			Actions:           []string{models.ActionOpen, models.ActionDismiss},
		})
	}
	return s.scheduleAll(ctx, inputs)
}

// SnoozeDoseReminder moves a dose reminder 15 minutes ahead, keeping its key
// and actions. It works both for pending and already delivered reminders.
func (s *Service) SnoozeDoseReminder(ctx context.Context, notificationID string) (string, error) {
	const op = "snooze dose reminder"
	if err := s.checkPermission(ctx, op); err != nil {
		return "", err
	}
	at := s.now().Add(SnoozeDuration)

	n, pending, err := s.scheduler.Lookup(ctx, notificationID)
	if err != nil {
		return "", models.SchedulingFailed(op, err)
	}
	if pending {
		if n.Type != models.TypeDoseReminder {
			return "", models.SchedulingFailed(op, fmt.Errorf("%s is a %s, not a dose reminder", notificationID, n.Type))
		}
		id, err := s.scheduler.Reschedule(ctx, notificationID, at)
		if err != nil {
			return "", err
		}
		s.recordScheduled(ctx, id)
		return id, nil
	}

	// already delivered: rebuild from history
	entries, err := s.history.List(ctx, models.HistoryFilter{NotificationID: notificationID, Limit: 1})
	if err != nil {
		return "", models.SchedulingFailed(op, err)
	}
	if len(entries) == 0 || entries[0].Type != models.TypeDoseReminder {
		return "", models.SchedulingFailed(op, fmt.Errorf("%s: %w", notificationID, scheduler.ErrNotScheduled))
	}
	e := entries[0]
	in := models.ScheduleInput{
		UserID:  e.UserID,
		Type:    e.Type,
		Title:   e.Title,
		Body:    e.Body,
		Trigger: models.OneShot(at),
		Actions: []string{models.ActionSnooze, models.ActionMarkTaken},
	}
	if e.RelatedEntityID != nil {
		in.RelatedEntityID = *e.RelatedEntityID
		in.Data = map[string]any{"test_step_id": *e.RelatedEntityID}
	}
	if e.RelatedEntityType != nil {
		in.RelatedEntityType = *e.RelatedEntityType
	}
	ids, err := s.scheduleAll(ctx, []models.ScheduleInput{in})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CancelDoseReminders cancels both dose notifications of a test step.
func (s *Service) CancelDoseReminders(ctx context.Context, testStepID string) error {
	return s.cancelKeys(ctx, "cancel dose reminders", doseKeys(testStepID)...)
}

// CancelWashoutNotifications cancels every notification of a washout period.
func (s *Service) CancelWashoutNotifications(ctx context.Context, washoutID string) error {
	return s.cancelKeys(ctx, "cancel washout notifications", washoutKeys(washoutID)...)
}

// CancelTestStartReminders is called once the test has been started.
func (s *Service) CancelTestStartReminders(ctx context.Context, testID string) error {
	return s.cancelKeys(ctx, "cancel test start reminders", testStartKeys(testID)...)
}

// AdjustNotificationFrequency moves the stored frequency one step towards
// the recommendation when adaptive frequency is on. It reports whether the
// frequency changed.
func (s *Service) AdjustNotificationFrequency(ctx context.Context) (models.FrequencyRecommendation, bool, error) {
	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		return models.FrequencyRecommendation{}, false, err
	}
	rec, err := s.analyzer.RecommendNotificationFrequency(ctx, s.config.UserID, prefs.CurrentFrequency)
	if err != nil {
		return rec, false, err
	}
	if !prefs.AdaptiveFrequencyEnabled {
		rec.Next = prefs.CurrentFrequency
		return rec, false, nil
	}
	if rec.Next == prefs.CurrentFrequency {
		return rec, false, nil
	}
	if _, err := s.prefs.Update(ctx, func(p *models.Preferences) { p.CurrentFrequency = rec.Next }); err != nil {
		return rec, false, err
	}
	s.logger.Infof("Notification frequency %s -> %s (%s)", prefs.CurrentFrequency, rec.Next, rec.Reason)
	return rec, true, nil
}

// RecommendNotificationFrequency reports the recommendation without applying it.
func (s *Service) RecommendNotificationFrequency(ctx context.Context) (models.FrequencyRecommendation, error) {
	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		return models.FrequencyRecommendation{}, err
	}
	return s.analyzer.RecommendNotificationFrequency(ctx, s.config.UserID, prefs.CurrentFrequency)
}

// onPreferencesChanged keeps quiet hours and scheduled notifications in line
// with the stored preferences.
func (s *Service) onPreferencesChanged(old, updated models.Preferences) {
	ctx := s.ctx

	if old.QuietHours != updated.QuietHours {
		if err := s.quiet.SetConfig(updated.QuietHours); err != nil {
			s.logger.Errorf("Rejected quiet hours from preferences: %v", err)
		}
	}

	dailyKey := models.NotificationKey{Type: models.TypeDailyReminder, RelatedEntityID: dailyReminderEntity}
	switch {
	case !updated.DailyReminderEnabled && old.DailyReminderEnabled:
		if err := s.scheduler.CancelByKey(ctx, dailyKey); err != nil {
			s.logger.Errorf("Failed to cancel daily reminder: %v", err)
		}
	case updated.DailyReminderEnabled && (!old.DailyReminderEnabled || old.DailyReminderTime != updated.DailyReminderTime):
		if _, err := s.ScheduleDailyReminder(ctx); err != nil {
			s.logger.Errorf("Failed to reschedule daily reminder: %v", err)
		}
	}

	if err := s.pruneDisallowed(ctx, updated); err != nil {
		s.logger.Errorf("Failed to apply preference change to pending notifications: %v", err)
	}
}

// pruneDisallowed cancels pending notifications the preferences no longer
// allow, by toggle or by frequency. Raising the frequency does not bring
// back notifications dropped earlier.
func (s *Service) pruneDisallowed(ctx context.Context, prefs models.Preferences) error {
	pending, err := s.scheduler.Pending(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range pending {
		if prefs.Enabled(n.Type) && Allows(prefs.CurrentFrequency, n.Type) {
			continue
		}
		if err := s.scheduler.Cancel(ctx, n.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Infof("Cancelled %s (%s) after preference change", n.ID, n.Key())
	}
	return errors.Join(errs...)
}

// gate runs the permission and preference checks shared by protocol operations.
func (s *Service) gate(ctx context.Context, op string, t models.NotificationType) (models.Preferences, error) {
	if err := s.checkPermission(ctx, op); err != nil {
		return models.Preferences{}, err
	}
	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		return models.Preferences{}, err
	}
	if !prefs.Enabled(t) {
		return prefs, models.SchedulingFailed(op, fmt.Errorf("%s: %w", t, ErrDisabled))
	}
	return prefs, nil
}

func (s *Service) checkPermission(ctx context.Context, op string) error {
	status, err := s.permissions.CheckPermission(ctx)
	if err == nil && status == delivery.PermissionUndetermined {
		status, err = s.permissions.RequestPermission(ctx)
	}
	if err != nil {
		s.logger.Warnf("Permission check failed for %s: %v", op, err)
		return models.PermissionDenied(op)
	}
	if status != delivery.PermissionGranted {
		s.badge(ctx, op)
		return models.PermissionDenied(op)
	}
	return nil
}

func (s *Service) badge(ctx context.Context, op string) {
	if s.fallback == nil {
		return
	}
	content := delivery.Content{
		UserID: s.config.UserID,
		Title:  "Notifications are turned off",
		Body:   fmt.Sprintf("Could not %s. Enable notifications to get protocol reminders.", op),
		Data:   map[string]any{"operation": op},
	}
	if err := s.fallback.Badge(ctx, s.config.UserID, content); err != nil {
		s.logger.Warnf("Failed to push fallback badge: %v", err)
	}
}

// forgetCancelled drops the history of a notification that will no longer
// be delivered.
func (s *Service) forgetCancelled(ctx context.Context, id string) {
	if _, err := s.tracker.RecordCancelled(ctx, id); err != nil {
		s.logger.Warnf("Failed to drop history for cancelled %s: %v", id, err)
	}
}

func (s *Service) cancelKeys(ctx context.Context, op string, keys ...models.NotificationKey) error {
	var errs []error
	for _, k := range keys {
		if err := s.scheduler.CancelByKey(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return models.CancellationFailed(op, err)
	}
	return nil
}

// scheduleAll schedules inputs and records each success in history.
func (s *Service) scheduleAll(ctx context.Context, inputs []models.ScheduleInput) ([]string, error) {
	ids, err := s.scheduler.ScheduleMultiple(ctx, inputs)
	for _, id := range ids {
		s.recordScheduled(ctx, id)
	}
	return ids, err
}

func (s *Service) recordScheduled(ctx context.Context, id string) {
	n, ok, err := s.scheduler.Lookup(ctx, id)
	if err != nil || !ok {
		s.logger.Warnf("Scheduled notification %s not tracked, skipping history: %v", id, err)
		return
	}
	if _, err := s.tracker.RecordScheduled(ctx, n); err != nil {
		s.logger.Warnf("Failed to record history for %s: %v", id, err)
	}
}

func (s *Service) washoutInput(t models.NotificationType, in WashoutInput, at time.Time, data map[string]any, title, body string) models.ScheduleInput {
	return models.ScheduleInput{
		UserID:            s.config.UserID,
		Type:              t,
		Title:             title,
		Body:              body,
		Data:              data,
		Trigger:           models.OneShot(at),
		RelatedEntityID:   in.WashoutID,
		RelatedEntityType: "washout",
		Actions:           []string{models.ActionOpen},
	}
}

func doseKeys(stepID string) []models.NotificationKey {
	return []models.NotificationKey{
		{Type: models.TypeDosePreReminder, RelatedEntityID: stepID},
		{Type: models.TypeDoseReminder, RelatedEntityID: stepID},
	}
}

func washoutKeys(washoutID string) []models.NotificationKey {
	return []models.NotificationKey{
		{Type: models.TypeWashoutStart, RelatedEntityID: washoutID},
		{Type: models.TypeWashoutWarning, RelatedEntityID: washoutID},
		{Type: models.TypeWashoutEnd, RelatedEntityID: washoutID},
	}
}

func testStartKeys(testID string) []models.NotificationKey {
	return []models.NotificationKey{
		{Type: models.TypeTestStartReminder, RelatedEntityID: testID},
		{Type: models.TypeTestStartFollowUp, RelatedEntityID: testID},
	}
}
