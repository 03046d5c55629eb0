// Package scheduler registers notifications with the delivery primitive,
// keeping at most one pending notification per logical key.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/quiethours"
	"protocol-notifier/internal/retry"
	"protocol-notifier/internal/store"
	"protocol-notifier/internal/utils"
)

const trackingKey = "scheduled_notifications"

// ErrTimeInPast is the cause for one-shot triggers that already elapsed.
var ErrTimeInPast = errors.New("trigger time is in the past")

// ErrNotScheduled is returned when an id is not tracked as pending.
var ErrNotScheduled = errors.New("notification is not scheduled")

type Scheduler struct {
	delivery delivery.Primitive
	quiet    *quiethours.Manager
	retries  *retry.Queue
	store    store.Store
	logger   *logging.Logger
	now      func() time.Time

	locks    *utils.KeyLocks
	trackMu  sync.Mutex
	onCancel func(ctx context.Context, id string)
}

// New wires a Scheduler and registers its replay handlers on retries.
func New(d delivery.Primitive, quiet *quiethours.Manager, retries *retry.Queue, s store.Store, logger *logging.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	sch := &Scheduler{
		delivery: d,
		quiet:    quiet,
		retries:  retries,
		store:    s,
		logger:   logger.WithComponent("scheduler"),
		now:      now,
		locks:    utils.NewKeyLocks(),
	}
	retries.Register(models.RetrySchedule, sch.replaySchedule)
	retries.Register(models.RetryCancel, sch.replayCancel)
	return sch
}

// OnCancel sets fn to run after a notification id leaves the delivery
// primitive through a cancel, replacement or reschedule. It must be set
// before the Scheduler is used.
func (s *Scheduler) OnCancel(fn func(ctx context.Context, id string)) {
	s.onCancel = fn
}

// Schedule registers in with the delivery primitive and returns its id.
// A pending notification with the same logical key is cancelled first.
func (s *Scheduler) Schedule(ctx context.Context, in models.ScheduleInput) (string, error) {
	if err := in.Trigger.Validate(); err != nil {
		return "", models.SchedulingFailed("schedule", err)
	}
	unlock := s.locks.Lock(in.Key().String())
	defer unlock()
	return s.scheduleLocked(ctx, in, true)
}

// ScheduleMultiple schedules each input independently. Nothing is rolled
// back; failures are joined into the returned error.
func (s *Scheduler) ScheduleMultiple(ctx context.Context, inputs []models.ScheduleInput) ([]string, error) {
	ids := make([]string, 0, len(inputs))
	var errs []error
	for _, in := range inputs {
		id, err := s.Schedule(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", in.Key(), err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Cancel removes a pending notification. Unknown ids are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	lockKey := "id:" + id
	if n, ok, err := s.Lookup(ctx, id); err == nil && ok {
		lockKey = n.Key().String()
	}
	unlock := s.locks.Lock(lockKey)
	defer unlock()
	return s.cancelLocked(ctx, id, true)
}

// CancelByKey cancels whatever is pending for key, including a queued
// schedule retry.
func (s *Scheduler) CancelByKey(ctx context.Context, key models.NotificationKey) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()
	return s.cancelKeyLocked(ctx, key, true, "")
}

// Reschedule moves a pending notification to newTime under the same key.
// The old registration is cancelled before the new one is made.
func (s *Scheduler) Reschedule(ctx context.Context, id string, newTime time.Time) (string, error) {
	n, ok, err := s.Lookup(ctx, id)
	if err != nil {
		return "", models.SchedulingFailed("reschedule", err)
	}
	if !ok {
		return "", models.SchedulingFailed("reschedule", fmt.Errorf("%s: %w", id, ErrNotScheduled))
	}

	unlock := s.locks.Lock(n.Key().String())
	defer unlock()

	if err := s.cancelLocked(ctx, id, true); err != nil {
		return "", err
	}
	in := n.Input()
	in.ID = ""
	if n.Trigger.Kind == models.TriggerDailyRepeating {
		local := newTime.In(s.quiet.Location())
		in.Trigger = models.DailyAt(local.Hour(), local.Minute())
		in.Trigger.StartAfter = &newTime
	} else {
		in.Trigger = models.OneShot(newTime)
	}
	return s.scheduleLocked(ctx, in, true)
}

// SuppressToday re-registers a daily notification so its next occurrence is
// tomorrow or later.
func (s *Scheduler) SuppressToday(ctx context.Context, id string) (string, error) {
	n, ok, err := s.Lookup(ctx, id)
	if err != nil {
		return "", models.SchedulingFailed("suppress today", err)
	}
	if !ok {
		return "", models.SchedulingFailed("suppress today", fmt.Errorf("%s: %w", id, ErrNotScheduled))
	}
	if n.Trigger.Kind != models.TriggerDailyRepeating {
		return "", models.SchedulingFailed("suppress today", fmt.Errorf("%s is not a daily notification", id))
	}

	unlock := s.locks.Lock(n.Key().String())
	defer unlock()

	if err := s.cancelLocked(ctx, id, true); err != nil {
		return "", err
	}
	local := s.now().In(s.quiet.Location())
	tomorrow := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
	in := n.Input()
	in.ID = ""
	in.Trigger.StartAfter = &tomorrow
	return s.scheduleLocked(ctx, in, true)
}

// MarkDelivered records that id fired. One-shot notifications leave the
// pending set; daily ones stay pending for their next occurrence.
func (s *Scheduler) MarkDelivered(ctx context.Context, id string) (models.ScheduledNotification, bool, error) {
	n, ok, err := s.Lookup(ctx, id)
	if err != nil || !ok {
		return n, ok, err
	}
	if n.Trigger.Kind == models.TriggerOneShot {
		unlock := s.locks.Lock(n.Key().String())
		defer unlock()
		if err := s.untrack(ctx, id); err != nil {
			return n, true, err
		}
	}
	return n, true, nil
}

// Pending returns tracked notifications ordered by fire time.
func (s *Scheduler) Pending(ctx context.Context) ([]models.ScheduledNotification, error) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	tracked, err := s.loadTracked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScheduledNotification, 0, len(tracked))
	for _, n := range tracked {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

// Lookup returns the tracked notification with id.
func (s *Scheduler) Lookup(ctx context.Context, id string) (models.ScheduledNotification, bool, error) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	tracked, err := s.loadTracked(ctx)
	if err != nil {
		return models.ScheduledNotification{}, false, err
	}
	n, ok := tracked[id]
	return n, ok, nil
}

// ReconcileResult counts what Reconcile did with tracked notifications the
// delivery primitive no longer held.
type ReconcileResult struct {
	Restored int
	Dropped  int
	Failed   int
}

// Reconcile re-registers tracked notifications the delivery primitive lost,
// e.g. across a restart, keeping their ids. One-shot notifications whose
// time has passed are dropped. A failed restore is queued for retry.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	registered, err := s.delivery.ListScheduled(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list scheduled notifications: %w", err)
	}
	live := make(map[string]struct{}, len(registered))
	for _, r := range registered {
		live[r.ID] = struct{}{}
	}

	s.trackMu.Lock()
	tracked, err := s.loadTracked(ctx)
	s.trackMu.Unlock()
	if err != nil {
		return res, err
	}

	now := s.now()
	for id, n := range tracked {
		if _, ok := live[id]; ok {
			continue
		}
		if n.Trigger.Kind == models.TriggerOneShot && !n.FireAt.After(now) {
			if err := s.untrack(ctx, id); err != nil {
				return res, err
			}
			res.Dropped++
			continue
		}
		if err := s.restore(ctx, n, now); err != nil {
			s.logger.Warnf("Failed to restore %s (%s): %v", id, n.Key(), err)
			res.Failed++
			continue
		}
		res.Restored++
	}
	if res != (ReconcileResult{}) {
		s.logger.Infof("Reconciled tracking: %d restored, %d dropped, %d failed", res.Restored, res.Dropped, res.Failed)
	}
	return res, nil
}

func (s *Scheduler) restore(ctx context.Context, n models.ScheduledNotification, now time.Time) error {
	key := n.Key()
	unlock := s.locks.Lock(key.String())
	defer unlock()

	in := n.Input()
	registeredID, err := s.delivery.ScheduleAt(ctx, n.ID, contentFor(n.ID, in), platformTrigger(n.Trigger))
	if err != nil {
		s.enqueue(ctx, models.RetrySchedule, key.String(), in, err)
		return err
	}
	if registeredID != "" && registeredID != n.ID {
		if err := s.untrack(ctx, n.ID); err != nil {
			return err
		}
		n.ID = registeredID
	}
	if n.Trigger.Kind == models.TriggerDailyRepeating {
		n.FireAt = n.Trigger.NextOccurrence(now, s.quiet.Location())
	}
	return s.track(ctx, n)
}

func (s *Scheduler) scheduleLocked(ctx context.Context, in models.ScheduleInput, enqueueOnFailure bool) (string, error) {
	key := in.Key()
	if err := s.cancelKeyLocked(ctx, key, false, in.ID); err != nil {
		if enqueueOnFailure {
			s.enqueue(ctx, models.RetrySchedule, key.String(), in, err)
		}
		return "", models.SchedulingFailed("schedule", err)
	}

	now := s.now()
	loc := s.quiet.Location()
	trigger := in.Trigger
	fireAt := trigger.NextOccurrence(now, loc)
	if trigger.Kind == models.TriggerOneShot && fireAt.Before(now) {
		return "", models.SchedulingFailed("schedule", fmt.Errorf("%s at %s: %w", key, fireAt.Format(time.RFC3339), ErrTimeInPast))
	}

	if s.quiet.IsInQuietHours(fireAt) && !s.quiet.ShouldOverrideQuietHours(in.Type, fireAt) {
		deferred := s.quiet.NextAvailableTime(fireAt)
		s.logger.Infof("Deferring %s from %s to %s (quiet hours)", key, fireAt.Format(time.RFC3339), deferred.Format(time.RFC3339))
		if trigger.Kind == models.TriggerOneShot {
			trigger.At = deferred
		} else {
			local := deferred.In(loc)
			trigger.Hour, trigger.Minute = local.Hour(), local.Minute()
		}
		fireAt = deferred
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
		in.ID = id
	}
	registeredID, err := s.delivery.ScheduleAt(ctx, id, contentFor(id, in), platformTrigger(trigger))
	if err != nil {
		if enqueueOnFailure {
			s.enqueue(ctx, models.RetrySchedule, key.String(), in, err)
		}
		return "", models.SchedulingFailed("schedule", err)
	}
	if registeredID != "" {
		id = registeredID
	}
	if enqueueOnFailure {
		// a stale queued replay would otherwise replace this registration
		s.dropScheduleRetry(ctx, key)
	}

	n := models.ScheduledNotification{
		ID:                id,
		UserID:            in.UserID,
		Type:              in.Type,
		Title:             in.Title,
		Body:              in.Body,
		Data:              in.Data,
		Trigger:           trigger,
		FireAt:            fireAt,
		RelatedEntityID:   in.RelatedEntityID,
		RelatedEntityType: in.RelatedEntityType,
		Actions:           in.Actions,
		CreatedAt:         now,
	}
	if err := s.track(ctx, n); err != nil {
		// the notification is live; its delivery event still carries the content
		s.logger.Errorf("Failed to track notification %s: %v", id, err)
	}
	s.logger.Infof("Scheduled %s as %s for %s", key, id, fireAt.Format(time.RFC3339))
	return id, nil
}

func (s *Scheduler) cancelLocked(ctx context.Context, id string, enqueueOnFailure bool) error {
	err := s.delivery.Cancel(ctx, id)
	if err != nil && !errors.Is(err, delivery.ErrNotFound) {
		if enqueueOnFailure {
			s.enqueue(ctx, models.RetryCancel, id, id, err)
		}
		return models.CancellationFailed("cancel", err)
	}
	if err := s.untrack(ctx, id); err != nil {
		s.logger.Errorf("Failed to untrack notification %s: %v", id, err)
	}
	if s.onCancel != nil {
		s.onCancel(ctx, id)
	}
	return nil
}

// cancelKeyLocked cancels everything tracked under key except keepID, which
// is being re-registered in place.
func (s *Scheduler) cancelKeyLocked(ctx context.Context, key models.NotificationKey, dropRetry bool, keepID string) error {
	s.trackMu.Lock()
	tracked, err := s.loadTracked(ctx)
	s.trackMu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	for id, n := range tracked {
		if n.Key() != key || (keepID != "" && id == keepID) {
			continue
		}
		if err := s.cancelLocked(ctx, id, true); err != nil {
			errs = append(errs, err)
		}
	}
	if dropRetry {
		s.dropScheduleRetry(ctx, key)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) dropScheduleRetry(ctx context.Context, key models.NotificationKey) {
	if err := s.retries.Remove(ctx, models.RetrySchedule, key.String()); err != nil {
		s.logger.Errorf("Failed to drop queued schedule retry for %s: %v", key, err)
	}
}

func (s *Scheduler) replaySchedule(ctx context.Context, e models.RetryQueueEntry) error {
	var in models.ScheduleInput
	if err := json.Unmarshal(e.Payload, &in); err != nil {
		s.logger.Errorf("Dropping undecodable schedule retry %s: %v", e.ID, err)
		return nil
	}
	if in.Trigger.Kind == models.TriggerOneShot && in.Trigger.At.Before(s.now()) {
		s.logger.Warnf("Dropping schedule retry for %s, trigger time has passed", e.Target)
		return nil
	}
	unlock := s.locks.Lock(in.Key().String())
	defer unlock()
	_, err := s.scheduleLocked(ctx, in, false)
	return err
}

func (s *Scheduler) replayCancel(ctx context.Context, e models.RetryQueueEntry) error {
	lockKey := "id:" + e.Target
	if n, ok, err := s.Lookup(ctx, e.Target); err == nil && ok {
		lockKey = n.Key().String()
	}
	unlock := s.locks.Lock(lockKey)
	defer unlock()
	return s.cancelLocked(ctx, e.Target, false)
}

func (s *Scheduler) enqueue(ctx context.Context, op models.RetryOperation, target string, payload any, cause error) {
	if err := s.retries.Enqueue(ctx, op, target, payload, cause); err != nil {
		s.logger.Errorf("Failed to queue %s retry for %s: %v", op, target, err)
	}
}

func (s *Scheduler) track(ctx context.Context, n models.ScheduledNotification) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	tracked, err := s.loadTracked(ctx)
	if err != nil {
		return err
	}
	tracked[n.ID] = n
	return s.saveTracked(ctx, tracked)
}

func (s *Scheduler) untrack(ctx context.Context, id string) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	tracked, err := s.loadTracked(ctx)
	if err != nil {
		return err
	}
	if _, ok := tracked[id]; !ok {
		return nil
	}
	delete(tracked, id)
	return s.saveTracked(ctx, tracked)
}

func (s *Scheduler) loadTracked(ctx context.Context) (map[string]models.ScheduledNotification, error) {
	tracked := make(map[string]models.ScheduledNotification)
	if _, err := store.GetJSON(ctx, s.store, trackingKey, &tracked); err != nil {
		return nil, models.StorageError("load scheduled notifications", err)
	}
	return tracked, nil
}

func (s *Scheduler) saveTracked(ctx context.Context, tracked map[string]models.ScheduledNotification) error {
	if err := store.SetJSON(ctx, s.store, trackingKey, tracked); err != nil {
		return models.StorageError("save scheduled notifications", err)
	}
	return nil
}

func contentFor(id string, in models.ScheduleInput) delivery.Content {
	return delivery.Content{
		NotificationID:  id,
		UserID:          in.UserID,
		Type:            in.Type,
		Title:           in.Title,
		Body:            in.Body,
		Data:            in.Data,
		Actions:         in.Actions,
		RelatedEntityID: in.RelatedEntityID,
	}
}

func platformTrigger(t models.Trigger) delivery.PlatformTrigger {
	if t.Kind == models.TriggerDailyRepeating {
		return delivery.CalendarTrigger{Hour: t.Hour, Minute: t.Minute, Repeats: true, StartAfter: t.StartAfter}
	}
	return delivery.DateTrigger{At: t.At}
}
