package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
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
	"protocol-notifier/internal/store"
)

type fakePrimitive struct {
	mu         sync.Mutex
	registered map[string]delivery.Content
}

func (f *fakePrimitive) ScheduleAt(_ context.Context, id string, c delivery.Content, _ delivery.PlatformTrigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id] = c
	return id, nil
}

func (f *fakePrimitive) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[id]; !ok {
		return delivery.ErrNotFound
	}
	delete(f.registered, id)
	return nil
}

func (f *fakePrimitive) ListScheduled(context.Context) ([]delivery.Registered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery.Registered
	for id, c := range f.registered {
		out = append(out, delivery.Registered{ID: id, Content: c})
	}
	return out, nil
}

type fakePermissions struct {
	status    delivery.PermissionStatus
	requested int
}

func (f *fakePermissions) CheckPermission(context.Context) (delivery.PermissionStatus, error) {
	return f.status, nil
}

func (f *fakePermissions) RequestPermission(context.Context) (delivery.PermissionStatus, error) {
	f.requested++
	if f.status == delivery.PermissionUndetermined {
		f.status = delivery.PermissionGranted
	}
	return f.status, nil
}

type fakeBadges struct {
	mu     sync.Mutex
	badges []delivery.Content
}

func (f *fakeBadges) Badge(_ context.Context, _ string, c delivery.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badges = append(f.badges, c)
	return nil
}

type emptyProtocol struct{}

func (emptyProtocol) SymptomLogTimes(context.Context, string, time.Time, time.Time) ([]time.Time, error) {
	return nil, nil
}

func (emptyProtocol) DoseRecords(context.Context, string, time.Time, time.Time) ([]models.DoseRecord, error) {
	return nil, nil
}

type fixture struct {
	svc     *Service
	prim    *fakePrimitive
	perms   *fakePermissions
	badges  *fakeBadges
	history *history.FallbackRepository
}

var noon = time.Date(2026, 5, 12, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return noon }
	logger := logging.NewDiscard()
	st := store.NewMemoryStore()

	quiet := quiethours.New(models.DefaultQuietHours(), time.UTC, clock)
	queue := retry.New(st, logger, retry.DefaultOptions(), clock)
	prim := &fakePrimitive{registered: make(map[string]delivery.Content)}
	repo := history.NewFallbackRepository(nil, st, logger)
	perms := &fakePermissions{status: delivery.PermissionGranted}
	badges := &fakeBadges{}

	svc := New(Deps{
		Scheduler:   scheduler.New(prim, quiet, queue, st, logger, clock),
		Retries:     queue,
		Quiet:       quiet,
		Analyzer:    adherence.New(emptyProtocol{}, repo, st, logger, adherence.Options{WindowDays: 14, CacheTTL: time.Hour, Location: time.UTC}, clock),
		Preferences: preferences.New(st, logger),
		Permissions: perms,
		History:     repo,
		Analytics:   history.NewAnalytics(repo, st, time.UTC, clock),
		Fallback:    badges,
	}, logger, Config{UserID: "u-1"}, clock)
	t.Cleanup(svc.Stop)
	return &fixture{svc: svc, prim: prim, perms: perms, badges: badges, history: repo}
}

func (f *fixture) pending(t *testing.T) []models.ScheduledNotification {
	t.Helper()
	pending, err := f.svc.PendingNotifications(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return pending
}

func (f *fixture) setPrefs(t *testing.T, fn func(*models.Preferences)) {
	t.Helper()
	if _, err := f.svc.UpdatePreferences(context.Background(), fn); err != nil {
		t.Fatalf("update preferences: %v", err)
	}
}

func TestWashoutSchedulesThreeNotifications(t *testing.T) {
	f := newFixture(t)
	// the 24h warning exists at full and reduced frequency only
	f.setPrefs(t, func(p *models.Preferences) { p.CurrentFrequency = models.FrequencyFull })
	ids, err := f.svc.ScheduleWashoutNotifications(context.Background(), WashoutInput{
		WashoutID: "w-1",
		Start:     noon.Add(time.Hour),
		End:       noon.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule washout: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	pending := f.pending(t)
	want := []models.NotificationType{models.TypeWashoutStart, models.TypeWashoutWarning, models.TypeWashoutEnd}
	for i, n := range pending {
		if n.Type != want[i] {
			t.Fatalf("pending[%d] is %s, want %s", i, n.Type, want[i])
		}
	}
	if !pending[1].FireAt.Equal(noon.Add(48 * time.Hour)) {
		t.Fatalf("warning fires at %s", pending[1].FireAt)
	}

	entries, err := f.history.List(context.Background(), models.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(entries))
	}
}

func TestWashoutSkipsPastStart(t *testing.T) {
	f := newFixture(t)
	ids, err := f.svc.ScheduleWashoutNotifications(context.Background(), WashoutInput{
		WashoutID: "w-1",
		Start:     noon.Add(-time.Hour),
		End:       noon.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule washout: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}

func TestWashoutRejectsInvertedPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ScheduleWashoutNotifications(context.Background(), WashoutInput{
		WashoutID: "w-1",
		Start:     noon.Add(72 * time.Hour),
		End:       noon.Add(time.Hour),
	})
	if !errors.Is(err, models.ErrSchedulingFailed) {
		t.Fatalf("expected scheduling failure, got %v", err)
	}
}

func TestRepeatedSchedulingKeepsOnePerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := WashoutInput{WashoutID: "w-1", Start: noon.Add(time.Hour), End: noon.Add(72 * time.Hour)}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.ScheduleWashoutNotifications(ctx, in); err != nil {
			t.Fatalf("schedule washout: %v", err)
		}
	}
	if _, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	if _, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(3 * time.Hour)}); err != nil {
		t.Fatalf("reschedule dose: %v", err)
	}

	if got := len(f.pending(t)); got != 5 {
		t.Fatalf("expected 5 pending, got %d", got)
	}
	if got := len(f.prim.registered); got != 5 {
		t.Fatalf("expected 5 registered, got %d", got)
	}
}

func TestPermissionDeniedPushesBadge(t *testing.T) {
	f := newFixture(t)
	f.perms.status = delivery.PermissionDenied

	_, err := f.svc.ScheduleDoseReminder(context.Background(), DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if len(f.badges.badges) != 1 {
		t.Fatalf("expected 1 badge, got %d", len(f.badges.badges))
	}
	if len(f.prim.registered) != 0 {
		t.Fatal("nothing should be registered")
	}
}

func TestUndeterminedPermissionIsRequested(t *testing.T) {
	f := newFixture(t)
	f.perms.status = delivery.PermissionUndetermined

	if _, err := f.svc.ScheduleDailyReminder(context.Background()); err != nil {
		t.Fatalf("schedule daily: %v", err)
	}
	if f.perms.requested != 1 {
		t.Fatalf("expected one permission request, got %d", f.perms.requested)
	}
}

func TestDisabledToggleRejectsScheduling(t *testing.T) {
	f := newFixture(t)
	f.setPrefs(t, func(p *models.Preferences) { p.DoseReminderEnabled = false })

	_, err := f.svc.ScheduleDoseReminder(context.Background(), DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if !errors.Is(err, models.ErrSchedulingFailed) || !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled scheduling failure, got %v", err)
	}
}

func TestDoseReminderPair(t *testing.T) {
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(context.Background(), DoseReminderInput{
		TestStepID: "s-1",
		DoseTime:   noon.Add(2 * time.Hour),
		FoodName:   "peanut",
	})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	pending := f.pending(t)
	if pending[0].Type != models.TypeDosePreReminder || !pending[0].FireAt.Equal(noon.Add(90*time.Minute)) {
		t.Fatalf("unexpected pre-dose reminder %+v", pending[0])
	}
	if pending[1].Type != models.TypeDoseReminder || len(pending[1].Actions) != 2 {
		t.Fatalf("unexpected dose reminder %+v", pending[1])
	}
}

func TestFrequencyFiltersTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setPrefs(t, func(p *models.Preferences) { p.CurrentFrequency = models.FrequencyMinimal })

	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected only the dose reminder, got %v, %v", ids, err)
	}
	ids, err = f.svc.ScheduleWashoutNotifications(ctx, WashoutInput{WashoutID: "w-1", Start: noon.Add(time.Hour), End: noon.Add(72 * time.Hour)})
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected washout without warning, got %v, %v", ids, err)
	}
	ids, err = f.svc.ScheduleTestStartReminder(ctx, TestStartInput{TestID: "t-1", AvailableAt: noon})
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected test start without follow-up, got %v, %v", ids, err)
	}
}

func TestAllows(t *testing.T) {
	tests := []struct {
		freq models.NotificationFrequency
		typ  models.NotificationType
		want bool
	}{
		{models.FrequencyFull, models.TypeDosePreReminder, true},
		{models.FrequencyReduced, models.TypeDosePreReminder, false},
		{models.FrequencyReduced, models.TypeWashoutWarning, true},
		{models.FrequencyMinimal, models.TypeWashoutWarning, false},
		{models.FrequencyMinimal, models.TypeTestStartFollowUp, false},
		{models.FrequencyMinimal, models.TypeDoseReminder, true},
		{models.FrequencyMinimal, models.TypeDailyReminder, true},
	}
	for _, tt := range tests {
		if got := Allows(tt.freq, tt.typ); got != tt.want {
			t.Errorf("Allows(%s, %s) = %v, want %v", tt.freq, tt.typ, got, tt.want)
		}
	}
}

func TestLoweringFrequencyCancelsDisallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("schedule dose: %v", err)
	}

	f.setPrefs(t, func(p *models.Preferences) { p.CurrentFrequency = models.FrequencyReduced })

	pending := f.pending(t)
	if len(pending) != 1 || pending[0].Type != models.TypeDoseReminder {
		t.Fatalf("expected only the dose reminder to remain, got %+v", pending)
	}
}

func TestDailyReminderFollowsPreferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.ScheduleDailyReminder(ctx); err != nil {
		t.Fatalf("schedule daily: %v", err)
	}

	f.setPrefs(t, func(p *models.Preferences) { p.DailyReminderTime = models.TimeOfDay{Hour: 9, Minute: 30} })
	pending := f.pending(t)
	if len(pending) != 1 || pending[0].Trigger.Hour != 9 || pending[0].Trigger.Minute != 30 {
		t.Fatalf("expected daily reminder at 09:30, got %+v", pending)
	}

	f.setPrefs(t, func(p *models.Preferences) { p.DailyReminderEnabled = false })
	if got := len(f.pending(t)); got != 0 {
		t.Fatalf("expected daily reminder cancelled, %d pending", got)
	}
}

func TestSnoozeAfterDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	doseID := ids[1]
	content := f.prim.registered[doseID]

	f.svc.handleEvent(ctx, delivery.Event{Kind: delivery.EventDelivered, NotificationID: doseID, Content: content, At: noon})
	f.svc.handleEvent(ctx, delivery.Event{Kind: delivery.EventResponse, NotificationID: doseID, Content: content, ActionIdentifier: models.ActionSnooze, At: noon})

	var snoozed *models.ScheduledNotification
	for _, n := range f.pending(t) {
		if n.Type == models.TypeDoseReminder {
			n := n
			snoozed = &n
		}
	}
	if snoozed == nil {
		t.Fatal("expected a snoozed dose reminder")
	}
	if snoozed.ID == doseID || !snoozed.FireAt.Equal(noon.Add(SnoozeDuration)) {
		t.Fatalf("unexpected snoozed reminder %+v", snoozed)
	}
	if snoozed.RelatedEntityID != "s-1" {
		t.Fatalf("snoozed reminder lost its step: %q", snoozed.RelatedEntityID)
	}

	entries, err := f.history.List(ctx, models.HistoryFilter{NotificationID: doseID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	actioned := 0
	for _, e := range entries {
		if e.Actioned() && *e.Action == models.ActionSnooze {
			actioned++
		}
	}
	if actioned != 1 {
		t.Fatalf("expected one snooze action, got %d", actioned)
	}
}

func TestSnoozePendingReminder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	id, err := f.svc.SnoozeDoseReminder(ctx, ids[1])
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if _, ok := f.prim.registered[ids[1]]; ok {
		t.Fatal("original reminder should be cancelled")
	}
	if _, ok := f.prim.registered[id]; !ok {
		t.Fatal("snoozed reminder should be registered")
	}
}

func TestSnoozeRejectsOtherTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.svc.ScheduleDailyReminder(ctx)
	if err != nil {
		t.Fatalf("schedule daily: %v", err)
	}
	if _, err := f.svc.SnoozeDoseReminder(ctx, id); !errors.Is(err, models.ErrSchedulingFailed) {
		t.Fatalf("expected scheduling failure, got %v", err)
	}
}

func TestMarkTakenCancelsStepReminders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	content := f.prim.registered[ids[1]]

	f.svc.handleEvent(ctx, delivery.Event{Kind: delivery.EventResponse, NotificationID: ids[1], Content: content, ActionIdentifier: models.ActionMarkTaken, At: noon})

	if got := len(f.pending(t)); got != 0 {
		t.Fatalf("expected no pending reminders, got %d", got)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	content := f.prim.registered[ids[1]]
	ev := delivery.Event{Kind: delivery.EventResponse, NotificationID: ids[1], Content: content, ActionIdentifier: models.ActionSnooze, At: noon}

	f.svc.handleEvent(ctx, ev)
	f.svc.handleEvent(ctx, ev)

	doses := 0
	for _, n := range f.pending(t) {
		if n.Type == models.TypeDoseReminder {
			doses++
		}
	}
	if doses != 1 {
		t.Fatalf("expected one dose reminder after duplicate snooze, got %d", doses)
	}
}

func TestAdjustNotificationFrequencyStepsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, changed, err := f.svc.AdjustNotificationFrequency(ctx)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !changed || rec.Next != models.FrequencyReduced {
		t.Fatalf("expected step to reduced, got %+v changed=%v", rec, changed)
	}
	prefs, err := f.svc.Preferences(ctx)
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if prefs.CurrentFrequency != models.FrequencyReduced {
		t.Fatalf("frequency not persisted: %s", prefs.CurrentFrequency)
	}
}

func TestAdjustNotificationFrequencyRespectsToggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setPrefs(t, func(p *models.Preferences) { p.AdaptiveFrequencyEnabled = false })

	_, changed, err := f.svc.AdjustNotificationFrequency(ctx)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if changed {
		t.Fatal("frequency should not change with adaptive frequency off")
	}
}

func TestQueuedEventsAreProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleWashoutNotifications(ctx, WashoutInput{WashoutID: "w-1", Start: noon.Add(time.Hour), End: noon.Add(72 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule washout: %v", err)
	}

	var wg sync.WaitGroup
	f.svc.Start(&wg)
	f.svc.QueueEvent(delivery.Event{Kind: delivery.EventDelivered, NotificationID: ids[0], At: noon.Add(time.Hour)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.pending(t)) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.svc.Stop()
	wg.Wait()

	if got := len(f.pending(t)); got != 2 {
		t.Fatalf("expected delivered one-shot untracked, %d pending", got)
	}
}

func TestCancelledNotificationsLeaveNoHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.ScheduleWashoutNotifications(ctx, WashoutInput{WashoutID: "w-1", Start: noon.Add(time.Hour), End: noon.Add(72 * time.Hour)}); err != nil {
		t.Fatalf("schedule washout: %v", err)
	}
	if err := f.svc.CancelWashoutNotifications(ctx, "w-1"); err != nil {
		t.Fatalf("cancel washout: %v", err)
	}
	entries, _ := f.history.List(ctx, models.HistoryFilter{})
	if len(entries) != 0 {
		t.Fatalf("expected cancelled notifications to leave no history, got %d entries", len(entries))
	}
}

func TestDeliveryFillsScheduledEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids, err := f.svc.ScheduleDoseReminder(ctx, DoseReminderInput{TestStepID: "s-1", DoseTime: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule dose: %v", err)
	}
	f.svc.handleEvent(ctx, delivery.Event{Kind: delivery.EventDelivered, NotificationID: ids[1], Content: f.prim.registered[ids[1]], At: noon.Add(2 * time.Hour)})

	entries, _ := f.history.List(ctx, models.HistoryFilter{NotificationID: ids[1]})
	if len(entries) != 1 || !entries[0].Delivered() {
		t.Fatalf("expected one delivered entry, got %+v", entries)
	}

	stats, err := f.svc.analytics.StatisticsBetween(ctx, "u-1", noon, noon.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	// pre-dose still pending, dose delivered
	if stats.Total != 2 || stats.Delivered != 1 || stats.ByType[models.TypeDoseReminder] != 1 || stats.ByType[models.TypeDosePreReminder] != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestSuppressDailyReminderToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.SuppressDailyReminderToday(ctx); !errors.Is(err, scheduler.ErrNotScheduled) {
		t.Fatalf("expected ErrNotScheduled without a daily reminder, got %v", err)
	}

	old, err := f.svc.ScheduleDailyReminder(ctx)
	if err != nil {
		t.Fatalf("schedule daily: %v", err)
	}
	id, err := f.svc.SuppressDailyReminderToday(ctx)
	if err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if id == old {
		t.Fatal("expected a fresh id")
	}
	if _, ok := f.prim.registered[old]; ok {
		t.Fatal("today's registration should be cancelled")
	}
	pending := f.pending(t)
	if want := time.Date(2026, 5, 13, 20, 0, 0, 0, time.UTC); len(pending) != 1 || !pending[0].FireAt.Equal(want) {
		t.Fatalf("expected the next reminder at %v, got %+v", want, pending)
	}

	entries, _ := f.history.List(ctx, models.HistoryFilter{})
	if len(entries) != 1 || entries[0].NotificationID != id {
		t.Fatalf("expected history for the new id only, got %+v", entries)
	}
}

func TestDailyStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	yesterday := noon.AddDate(0, 0, -1)
	if _, err := f.svc.analytics.RecordDailySnapshot(ctx, "u-1", yesterday); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, found, err := f.svc.DailyStatistics(ctx, ""); err != nil || !found {
		t.Fatalf("expected yesterday's snapshot, found=%v err=%v", found, err)
	}
	if _, found, _ := f.svc.DailyStatistics(ctx, "2026-05-12"); found {
		t.Fatal("no snapshot was recorded for today")
	}
}
