// Package adherence scores how closely a user follows the protocol and turns
// that score into a notification frequency.
package adherence

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

const (
	DefaultWindowDays = 14
	DefaultCacheTTL   = time.Hour

	onTimeMinutes   = 30.0
	lateCutoff      = 120.0
	confidenceBasis = 20.0

	cacheKeyPrefix = "adherence_score:"
)

// ProtocolSource is the read-only protocol data backend.
type ProtocolSource interface {
	SymptomLogTimes(ctx context.Context, userID string, from, to time.Time) ([]time.Time, error)
	DoseRecords(ctx context.Context, userID string, from, to time.Time) ([]models.DoseRecord, error)
}

// NoProtocolData is the ProtocolSource used when no protocol backend is
// configured. Scores then reflect reminder responsiveness only.
type NoProtocolData struct{}

func (NoProtocolData) SymptomLogTimes(context.Context, string, time.Time, time.Time) ([]time.Time, error) {
	return nil, nil
}

func (NoProtocolData) DoseRecords(context.Context, string, time.Time, time.Time) ([]models.DoseRecord, error) {
	return nil, nil
}

// HistorySource lists notification history entries.
type HistorySource interface {
	List(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error)
}

type Options struct {
	WindowDays int
	CacheTTL   time.Duration
	Location   *time.Location
}

type Analyzer struct {
	protocol ProtocolSource
	history  HistorySource
	cache    store.Store
	logger   *logging.Logger
	opts     Options
	now      func() time.Time
	group    singleflight.Group
}

type cachedScore struct {
	Score      models.AdherenceScore `json:"score"`
	ComputedAt time.Time             `json:"computed_at"`
}

func New(protocol ProtocolSource, history HistorySource, cache store.Store, logger *logging.Logger, opts Options, now func() time.Time) *Analyzer {
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Analyzer{
		protocol: protocol,
		history:  history,
		cache:    cache,
		logger:   logger.WithComponent("adherence"),
		opts:     opts,
		now:      now,
	}
}

// CalculateAdherenceScore returns the score for the window ending now,
// served from cache when fresh.
func (a *Analyzer) CalculateAdherenceScore(ctx context.Context, userID string) (models.AdherenceScore, error) {
	key := cacheKeyPrefix + userID
	now := a.now()

	var cached cachedScore
	found, err := store.GetJSON(ctx, a.cache, key, &cached)
	if err != nil {
		a.logger.Warnf("Ignoring unreadable adherence cache for %s: %v", userID, err)
	}
	if found && err == nil && now.Sub(cached.ComputedAt) < a.opts.CacheTTL {
		return cached.Score, nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		score, err := a.scoreFor(ctx, userID, now)
		if err != nil {
			return models.AdherenceScore{}, err
		}
		if err := store.SetJSON(ctx, a.cache, key, cachedScore{Score: score, ComputedAt: now}); err != nil {
			a.logger.Warnf("Failed to cache adherence score for %s: %v", userID, err)
		}
		return score, nil
	})
	if err != nil {
		return models.AdherenceScore{}, err
	}
	return v.(models.AdherenceScore), nil
}

// Invalidate drops the cached score so the next read recomputes it.
func (a *Analyzer) Invalidate(ctx context.Context, userID string) error {
	if err := a.cache.Remove(ctx, cacheKeyPrefix+userID); err != nil {
		return models.StorageError("invalidate adherence cache", err)
	}
	return nil
}

// DetectAdherencePatterns compares the current window with the one before it.
func (a *Analyzer) DetectAdherencePatterns(ctx context.Context, userID string) (models.AdherencePattern, error) {
	current, err := a.CalculateAdherenceScore(ctx, userID)
	if err != nil {
		return models.AdherencePattern{}, err
	}
	previous, err := a.scoreFor(ctx, userID, current.Period.Start)
	if err != nil {
		return models.AdherencePattern{}, err
	}

	delta := current.OverallScore - previous.OverallScore
	pattern := classify(current.OverallScore, delta)
	return models.AdherencePattern{
		Pattern:         pattern,
		Confidence:      confidence(current.TotalReminders, delta),
		Current:         current,
		Previous:        previous,
		Delta:           delta,
		Description:     describe(pattern, current.OverallScore, delta),
		DetectedAt:      a.now(),
		SampleReminders: current.TotalReminders,
	}, nil
}

// RecommendNotificationFrequency computes the recommended frequency and the
// single step the current frequency may take towards it.
func (a *Analyzer) RecommendNotificationFrequency(ctx context.Context, userID string, current models.NotificationFrequency) (models.FrequencyRecommendation, error) {
	score, err := a.CalculateAdherenceScore(ctx, userID)
	if err != nil {
		return models.FrequencyRecommendation{}, err
	}
	rec := Recommend(score)
	return models.FrequencyRecommendation{
		Current:     current,
		Recommended: rec,
		Next:        Step(current, rec),
		Score:       score,
		Reason:      reason(score, rec),
	}, nil
}

// Recommend maps a score to a frequency.
func Recommend(score models.AdherenceScore) models.NotificationFrequency {
	switch {
	case score.OverallScore >= 70 && score.DailyLogStreak >= 7:
		return models.FrequencyMinimal
	case score.OverallScore >= 50:
		return models.FrequencyReduced
	default:
		return models.FrequencyFull
	}
}

// Step moves current at most one level towards target.
func Step(current, target models.NotificationFrequency) models.NotificationFrequency {
	from, to := current.Level(), target.Level()
	switch {
	case to > from:
		return models.FrequencyAtLevel(from + 1)
	case to < from:
		return models.FrequencyAtLevel(from - 1)
	default:
		return models.FrequencyAtLevel(from)
	}
}

func (a *Analyzer) scoreFor(ctx context.Context, userID string, end time.Time) (models.AdherenceScore, error) {
	start := end.AddDate(0, 0, -a.opts.WindowDays)

	logs, err := a.protocol.SymptomLogTimes(ctx, userID, start, end)
	if err != nil {
		return models.AdherenceScore{}, fmt.Errorf("failed to load symptom logs: %w", err)
	}
	doses, err := a.protocol.DoseRecords(ctx, userID, start, end)
	if err != nil {
		return models.AdherenceScore{}, fmt.Errorf("failed to load dose records: %w", err)
	}
	entries, err := a.history.List(ctx, models.HistoryFilter{UserID: userID, From: start, To: end})
	if err != nil {
		return models.AdherenceScore{}, fmt.Errorf("failed to load notification history: %w", err)
	}

	streak := logStreak(logs, end, a.opts.WindowDays, a.opts.Location)
	accuracy := doseTimingAccuracy(doses)
	total, missed := reminderCounts(entries)

	streakScore := math.Min(100, float64(streak)/float64(a.opts.WindowDays)*100)
	response := 100.0
	if total > 0 {
		response = float64(total-missed) / float64(total) * 100
	}

	return models.AdherenceScore{
		UserID:             userID,
		DailyLogStreak:     streak,
		DoseTimingAccuracy: accuracy,
		MissedReminders:    missed,
		TotalReminders:     total,
		OverallScore:       int(math.Round(0.4*streakScore + 0.4*float64(accuracy) + 0.2*response)),
		Period:             models.Period{Start: start, End: end},
	}, nil
}

// logStreak counts consecutive local days with a log, walking back from the
// day of end. No log on the end day means a streak of 0.
func logStreak(logs []time.Time, end time.Time, maxDays int, loc *time.Location) int {
	days := make(map[string]struct{}, len(logs))
	for _, t := range logs {
		days[t.In(loc).Format(time.DateOnly)] = struct{}{}
	}

	day := end.In(loc)
	streak := 0
	for streak < maxDays {
		if _, ok := days[day.Format(time.DateOnly)]; !ok {
			break
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// doseTimingAccuracy averages per-dose accuracy over completed doses.
// No completed doses scores 100.
func doseTimingAccuracy(doses []models.DoseRecord) int {
	var sum float64
	n := 0
	for _, d := range doses {
		if d.CompletedAt == nil {
			continue
		}
		n++
		sum += doseAccuracy(math.Abs(d.CompletedAt.Sub(d.ScheduledAt).Minutes()))
	}
	if n == 0 {
		return 100
	}
	return int(math.Round(sum / float64(n)))
}

func doseAccuracy(offMinutes float64) float64 {
	switch {
	case offMinutes <= onTimeMinutes:
		return 100
	case offMinutes >= lateCutoff:
		return 0
	default:
		return 100 * (lateCutoff - offMinutes) / (lateCutoff - onTimeMinutes)
	}
}

// reminderCounts returns delivered reminders and those left without an action.
func reminderCounts(entries []models.HistoryEntry) (total, missed int) {
	for _, e := range entries {
		if !e.Delivered() {
			continue
		}
		total++
		if !e.Actioned() {
			missed++
		}
	}
	return total, missed
}

func classify(score, delta int) models.PatternType {
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	switch {
	case score < 50 && abs > 20:
		return models.PatternIrregular
	case score >= 70 && abs < 10:
		return models.PatternConsistent
	case delta > 15:
		return models.PatternImproving
	case delta < -15:
		return models.PatternDeclining
	case score >= 50:
		return models.PatternConsistent
	default:
		return models.PatternIrregular
	}
}

func confidence(reminders, delta int) float64 {
	c := math.Min(1, float64(reminders)/confidenceBasis)
	abs := math.Abs(float64(delta))
	switch {
	case abs < 10:
		c *= 1.2
	case abs > 20:
		c *= 0.8
	}
	return math.Min(1, c)
}

func describe(p models.PatternType, score, delta int) string {
	switch p {
	case models.PatternImproving:
		return fmt.Sprintf("Adherence improved by %d points to %d", delta, score)
	case models.PatternDeclining:
		return fmt.Sprintf("Adherence dropped by %d points to %d", -delta, score)
	case models.PatternIrregular:
		return fmt.Sprintf("Adherence is irregular (score %d, change %+d)", score, delta)
	default:
		return fmt.Sprintf("Adherence is steady at %d", score)
	}
}

func reason(score models.AdherenceScore, rec models.NotificationFrequency) string {
	switch rec {
	case models.FrequencyMinimal:
		return fmt.Sprintf("score %d with a %d-day logging streak", score.OverallScore, score.DailyLogStreak)
	case models.FrequencyReduced:
		return fmt.Sprintf("score %d is at least 50", score.OverallScore)
	default:
		return fmt.Sprintf("score %d is below 50", score.OverallScore)
	}
}
