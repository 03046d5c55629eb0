package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

const snapshotKeyPrefix = "analytics_snapshot:"

// ErrInvalidDay is returned for a day that is not formatted as YYYY-MM-DD.
var ErrInvalidDay = errors.New("day must be formatted as YYYY-MM-DD")

type Analytics struct {
	repo  Repository
	store store.Store
	loc   *time.Location
	now   func() time.Time
}

func NewAnalytics(repo Repository, s store.Store, loc *time.Location, now func() time.Time) *Analytics {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Analytics{repo: repo, store: s, loc: loc, now: now}
}

// Statistics summarises the user's history over the last `days` days.
func (a *Analytics) Statistics(ctx context.Context, userID string, days int) (models.NotificationStatistics, error) {
	if days <= 0 {
		days = 7
	}
	end := a.now()
	return a.StatisticsBetween(ctx, userID, end.AddDate(0, 0, -days), end)
}

// StatisticsBetween summarises entries scheduled in [from, to).
func (a *Analytics) StatisticsBetween(ctx context.Context, userID string, from, to time.Time) (models.NotificationStatistics, error) {
	entries, err := a.repo.List(ctx, models.HistoryFilter{UserID: userID, From: from, To: to})
	if err != nil {
		return models.NotificationStatistics{}, fmt.Errorf("failed to load history: %w", err)
	}
	return Summarize(userID, from, to, entries), nil
}

// Summarize computes statistics over entries. Missed means delivered but
// never answered; ResponseRate is actioned over delivered.
func Summarize(userID string, from, to time.Time, entries []models.HistoryEntry) models.NotificationStatistics {
	stats := models.NotificationStatistics{
		UserID:      userID,
		PeriodStart: from,
		PeriodEnd:   to,
		Total:       len(entries),
		ByType:      make(map[models.NotificationType]int),
		ByAction:    make(map[string]int),
	}

	var responseTotal time.Duration
	responses := 0
	for _, e := range entries {
		stats.ByType[e.Type]++
		if e.Delivered() {
			stats.Delivered++
			if !e.Actioned() {
				stats.Missed++
			}
		}
		if e.Actioned() {
			stats.Actioned++
			if e.Action != nil {
				stats.ByAction[*e.Action]++
			}
			if e.DeliveredTime != nil && !e.ActionedTime.Before(*e.DeliveredTime) {
				responseTotal += e.ActionedTime.Sub(*e.DeliveredTime)
				responses++
			}
		}
	}
	if stats.Delivered > 0 {
		stats.ResponseRate = float64(stats.Delivered-stats.Missed) / float64(stats.Delivered)
	}
	if responses > 0 {
		stats.AverageResponseTime = responseTotal / time.Duration(responses)
	}
	return stats
}

// RecordDailySnapshot stores the statistics of the local calendar day
// containing day.
func (a *Analytics) RecordDailySnapshot(ctx context.Context, userID string, day time.Time) (models.NotificationStatistics, error) {
	local := day.In(a.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	stats, err := a.StatisticsBetween(ctx, userID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return stats, err
	}
	if err := store.SetJSON(ctx, a.store, snapshotKey(userID, start), stats); err != nil {
		return stats, models.StorageError("save analytics snapshot", err)
	}
	return stats, nil
}

// Snapshot returns a previously recorded daily snapshot.
func (a *Analytics) Snapshot(ctx context.Context, userID string, day time.Time) (models.NotificationStatistics, bool, error) {
	var stats models.NotificationStatistics
	found, err := store.GetJSON(ctx, a.store, snapshotKey(userID, day.In(a.loc)), &stats)
	if err != nil {
		return stats, false, models.StorageError("load analytics snapshot", err)
	}
	return stats, found, nil
}

// SnapshotOn is Snapshot for a local calendar day given as YYYY-MM-DD. An
// empty day means yesterday, the most recent day a snapshot is taken for.
func (a *Analytics) SnapshotOn(ctx context.Context, userID, day string) (models.NotificationStatistics, bool, error) {
	if day == "" {
		return a.Snapshot(ctx, userID, a.now().In(a.loc).AddDate(0, 0, -1))
	}
	t, err := time.ParseInLocation(time.DateOnly, day, a.loc)
	if err != nil {
		return models.NotificationStatistics{}, false, fmt.Errorf("%q: %w", day, ErrInvalidDay)
	}
	return a.Snapshot(ctx, userID, t)
}

func snapshotKey(userID string, day time.Time) string {
	return snapshotKeyPrefix + userID + ":" + day.Format(time.DateOnly)
}
