// Package notification is the protocol-facing facade: it turns protocol
// events into scheduled notifications and reacts to delivery events.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"protocol-notifier/internal/adherence"
	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/history"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/preferences"
	"protocol-notifier/internal/quiethours"
	"protocol-notifier/internal/retry"
	"protocol-notifier/internal/scheduler"
)

// ErrDisabled is the cause when a preference toggle turns a notification off.
var ErrDisabled = errors.New("disabled in preferences")

// SnoozeDuration is how far a snoozed dose reminder moves.
const SnoozeDuration = 15 * time.Minute

// HistoryStore is the history repository plus backend sync.
type HistoryStore interface {
	history.Repository
	Sync(ctx context.Context) (int, error)
}

// Fallback shows in-app badges when system notifications are unavailable.
type Fallback interface {
	Badge(ctx context.Context, userID string, content delivery.Content) error
}

type Config struct {
	UserID     string
	QueueSize  int
	MaxWorkers int
}

type Deps struct {
	Scheduler   *scheduler.Scheduler
	Retries     *retry.Queue
	Quiet       *quiethours.Manager
	Analyzer    *adherence.Analyzer
	Preferences *preferences.Store
	Permissions delivery.Permissions
	History     HistoryStore
	Analytics   *history.Analytics
	Events      <-chan delivery.Event
	Fallback    Fallback
}

type Service struct {
	scheduler   *scheduler.Scheduler
	retries     *retry.Queue
	quiet       *quiethours.Manager
	analyzer    *adherence.Analyzer
	prefs       *preferences.Store
	permissions delivery.Permissions
	history     HistoryStore
	tracker     *history.Tracker
	analytics   *history.Analytics
	source      <-chan delivery.Event
	fallback    Fallback

	logger *logging.Logger
	config Config
	now    func() time.Time

	events chan delivery.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New constructs the Service and subscribes it to preference changes.
func New(deps Deps, logger *logging.Logger, cfg Config, now func() time.Time) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		scheduler:   deps.Scheduler,
		retries:     deps.Retries,
		quiet:       deps.Quiet,
		analyzer:    deps.Analyzer,
		prefs:       deps.Preferences,
		permissions: deps.Permissions,
		history:     deps.History,
		tracker:     history.NewTracker(deps.History, now),
		analytics:   deps.Analytics,
		source:      deps.Events,
		fallback:    deps.Fallback,
		logger:      logger.WithComponent("notification"),
		config:      cfg,
		now:         now,
		events:      make(chan delivery.Event, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	deps.Preferences.Subscribe(svc.onPreferencesChanged)
	deps.Scheduler.OnCancel(svc.forgetCancelled)
	return svc
}

// Init loads preferences into the quiet hours manager and re-registers
// notifications the delivery primitive lost since the last run.
func (s *Service) Init(ctx context.Context) error {
	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		return err
	}
	if err := s.quiet.SetConfig(prefs.QuietHours); err != nil {
		s.logger.Warnf("Stored quiet hours are invalid, keeping current config: %v", err)
	}
	res, err := s.scheduler.Reconcile(ctx)
	if err != nil {
		s.logger.Warnf("Reconcile on startup failed: %v", err)
		return nil
	}
	if res.Failed > 0 {
		s.logger.Warnf("%d notifications could not be restored on startup and were queued for retry", res.Failed)
	}
	return nil
}

// Start launches the event worker pool and, when configured, forwards the
// delivery primitive's events into it.
func (s *Service) Start(wg *sync.WaitGroup) {
	s.wg = wg
	for i := 0; i < s.config.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	if s.source != nil {
		s.wg.Add(1)
		go s.forward()
	}
}

// Stop cancels the workers. Queued events are dropped.
func (s *Service) Stop() {
	s.cancel()
}

// QueueEvent enqueues a delivery event for processing.
func (s *Service) QueueEvent(ev delivery.Event) {
	select {
	case s.events <- ev:
		s.logger.Debugf("Queued %s event: notification_id=%s", ev.Kind, ev.NotificationID)
	default:
		s.logger.Errorf("Queue full, dropping %s event: notification_id=%s", ev.Kind, ev.NotificationID)
	}
}

// worker processes events until the context is cancelled.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Infof("Worker %d stopped", id)
			return
		case ev := <-s.events:
			s.handleEvent(s.ctx, ev)
		}
	}
}

func (s *Service) forward() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.source:
			if !ok {
				return
			}
			s.QueueEvent(ev)
		}
	}
}

// OnNetworkReconnect retries every queued operation immediately and pushes
// history recorded while offline.
func (s *Service) OnNetworkReconnect(ctx context.Context) (models.RetryResult, error) {
	result, err := s.retries.RetryAllImmediately(ctx)
	if err != nil {
		return result, err
	}
	if n, err := s.history.Sync(ctx); err != nil {
		s.logger.Warnf("History sync after reconnect incomplete (%d pushed): %v", n, err)
	}
	s.logger.Infof("Reconnect: attempted %d retries, %d succeeded, %d failed, %d dropped",
		result.Attempted, result.Succeeded, result.Failed, result.Dropped)
	return result, nil
}

// AreNotificationsAvailable reports whether system notifications can be shown.
func (s *Service) AreNotificationsAvailable(ctx context.Context) bool {
	status, err := s.permissions.CheckPermission(ctx)
	if err != nil {
		s.logger.Warnf("Permission check failed: %v", err)
		return false
	}
	return status == delivery.PermissionGranted
}

// RequestPermission asks the platform for notification permission.
func (s *Service) RequestPermission(ctx context.Context) (delivery.PermissionStatus, error) {
	status, err := s.permissions.RequestPermission(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to request permission: %w", err)
	}
	return status, nil
}

func (s *Service) PendingNotifications(ctx context.Context) ([]models.ScheduledNotification, error) {
	return s.scheduler.Pending(ctx)
}

// CancelNotification cancels one pending notification by id.
func (s *Service) CancelNotification(ctx context.Context, id string) error {
	return s.scheduler.Cancel(ctx, id)
}

// CancelAllNotifications cancels everything pending.
func (s *Service) CancelAllNotifications(ctx context.Context) error {
	pending, err := s.scheduler.Pending(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range pending {
		if err := s.scheduler.Cancel(ctx, n.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// History lists history entries for the configured user.
func (s *Service) History(ctx context.Context, f models.HistoryFilter) ([]models.HistoryEntry, error) {
	if f.UserID == "" {
		f.UserID = s.config.UserID
	}
	return s.history.List(ctx, f)
}

func (s *Service) Statistics(ctx context.Context, days int) (models.NotificationStatistics, error) {
	return s.analytics.Statistics(ctx, s.config.UserID, days)
}

// DailyStatistics returns the snapshot recorded for day (YYYY-MM-DD, empty
// for yesterday) and whether one exists.
func (s *Service) DailyStatistics(ctx context.Context, day string) (models.NotificationStatistics, bool, error) {
	return s.analytics.SnapshotOn(ctx, s.config.UserID, day)
}

func (s *Service) AdherenceScore(ctx context.Context) (models.AdherenceScore, error) {
	return s.analyzer.CalculateAdherenceScore(ctx, s.config.UserID)
}

func (s *Service) AdherencePatterns(ctx context.Context) (models.AdherencePattern, error) {
	return s.analyzer.DetectAdherencePatterns(ctx, s.config.UserID)
}

func (s *Service) RetryQueueStatus(ctx context.Context) (models.RetryQueueStatus, error) {
	return s.retries.GetQueueStatus(ctx)
}

func (s *Service) Preferences(ctx context.Context) (models.Preferences, error) {
	return s.prefs.Get(ctx)
}

// UpdatePreferences applies fn and lets the change observer reconcile
// scheduled notifications.
func (s *Service) UpdatePreferences(ctx context.Context, fn func(*models.Preferences)) (models.Preferences, error) {
	return s.prefs.Update(ctx, fn)
}
