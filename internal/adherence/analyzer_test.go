package adherence

import (
	"context"
	"sync"
	"testing"
	"time"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

type fakeProtocol struct {
	mu    sync.Mutex
	logs  []time.Time
	doses []models.DoseRecord
	calls int
}

func (f *fakeProtocol) SymptomLogTimes(_ context.Context, _ string, from, to time.Time) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []time.Time
	for _, t := range f.logs {
		if !t.Before(from) && t.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeProtocol) DoseRecords(_ context.Context, _ string, from, to time.Time) ([]models.DoseRecord, error) {
	var out []models.DoseRecord
	for _, d := range f.doses {
		if !d.ScheduledAt.Before(from) && d.ScheduledAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeHistory struct {
	entries []models.HistoryEntry
}

func (f *fakeHistory) List(_ context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	for _, e := range f.entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

var evening = time.Date(2026, 5, 14, 18, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newAnalyzer(p *fakeProtocol, h *fakeHistory, now *time.Time) *Analyzer {
	return New(p, h, store.NewMemoryStore(), logging.NewDiscard(), Options{Location: time.UTC}, func() time.Time { return *now })
}

func reminder(at time.Time, actioned bool) models.HistoryEntry {
	e := models.HistoryEntry{UserID: "u-1", Type: models.TypeDailyReminder, ScheduledTime: at, DeliveredTime: ptr(at)}
	if actioned {
		e.ActionedTime = ptr(at.Add(5 * time.Minute))
		e.Action = ptr(models.ActionOpen)
	}
	return e
}

func sampleData() (*fakeProtocol, *fakeHistory) {
	p := &fakeProtocol{}
	for i := 0; i < 7; i++ {
		p.logs = append(p.logs, evening.AddDate(0, 0, -i).Add(-2*time.Hour))
	}
	// a gap, then an older log that must not count
	p.logs = append(p.logs, evening.AddDate(0, 0, -9))

	sched1 := evening.AddDate(0, 0, -2)
	sched2 := evening.AddDate(0, 0, -3)
	p.doses = []models.DoseRecord{
		{TestStepID: "s1", ScheduledAt: sched1, CompletedAt: ptr(sched1.Add(10 * time.Minute))},
		{TestStepID: "s2", ScheduledAt: sched2, CompletedAt: ptr(sched2.Add(75 * time.Minute))},
		{TestStepID: "s3", ScheduledAt: evening.AddDate(0, 0, -1)},
	}

	h := &fakeHistory{}
	for i := 1; i <= 4; i++ {
		h.entries = append(h.entries, reminder(evening.AddDate(0, 0, -i), i != 4))
	}
	// scheduled but never delivered: ignored
	h.entries = append(h.entries, models.HistoryEntry{UserID: "u-1", ScheduledTime: evening.Add(-time.Hour)})
	return p, h
}

func TestCalculateAdherenceScore(t *testing.T) {
	p, h := sampleData()
	now := evening
	a := newAnalyzer(p, h, &now)

	score, err := a.CalculateAdherenceScore(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.DailyLogStreak != 7 {
		t.Fatalf("streak = %d, want 7", score.DailyLogStreak)
	}
	if score.DoseTimingAccuracy != 75 {
		t.Fatalf("dose accuracy = %d, want 75", score.DoseTimingAccuracy)
	}
	if score.TotalReminders != 4 || score.MissedReminders != 1 {
		t.Fatalf("reminders = %d/%d, want 4 total 1 missed", score.TotalReminders, score.MissedReminders)
	}
	// 0.4*50 + 0.4*75 + 0.2*75
	if score.OverallScore != 65 {
		t.Fatalf("overall = %d, want 65", score.OverallScore)
	}
	if !score.Period.End.Equal(evening) || !score.Period.Start.Equal(evening.AddDate(0, 0, -14)) {
		t.Fatalf("unexpected period %+v", score.Period)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	p, h := sampleData()
	now := evening
	a := newAnalyzer(p, h, &now)
	ctx := context.Background()

	first, _ := a.CalculateAdherenceScore(ctx, "u-1")
	if err := a.Invalidate(ctx, "u-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	second, _ := a.CalculateAdherenceScore(ctx, "u-1")
	if first != second {
		t.Fatalf("scores differ: %+v vs %+v", first, second)
	}
}

func TestEmptyHistoryScore(t *testing.T) {
	now := evening
	a := newAnalyzer(&fakeProtocol{}, &fakeHistory{}, &now)
	score, err := a.CalculateAdherenceScore(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.DoseTimingAccuracy != 100 || score.DailyLogStreak != 0 || score.OverallScore != 60 {
		t.Fatalf("unexpected empty score %+v", score)
	}
}

func TestScoreIsCachedForTTL(t *testing.T) {
	p, h := sampleData()
	now := evening
	a := newAnalyzer(p, h, &now)
	ctx := context.Background()

	_, _ = a.CalculateAdherenceScore(ctx, "u-1")
	now = now.Add(30 * time.Minute)
	_, _ = a.CalculateAdherenceScore(ctx, "u-1")
	if p.calls != 1 {
		t.Fatalf("expected cached read, got %d computations", p.calls)
	}

	now = now.Add(31 * time.Minute)
	_, _ = a.CalculateAdherenceScore(ctx, "u-1")
	if p.calls != 2 {
		t.Fatalf("expected recomputation after TTL, got %d computations", p.calls)
	}
}

func TestLogStreakStartsToday(t *testing.T) {
	logs := []time.Time{
		evening.AddDate(0, 0, -1),
		evening.AddDate(0, 0, -2),
		evening.AddDate(0, 0, -4),
	}
	// no log yet today
	if got := logStreak(logs, evening, 14, time.UTC); got != 0 {
		t.Fatalf("streak without a log today = %d, want 0", got)
	}
	logs = append(logs, evening.Add(-time.Hour))
	if got := logStreak(logs, evening, 14, time.UTC); got != 3 {
		t.Fatalf("streak = %d, want 3", got)
	}
	if got := logStreak(logs, evening, 2, time.UTC); got != 2 {
		t.Fatalf("capped streak = %d, want 2", got)
	}
	if got := logStreak(nil, evening, 14, time.UTC); got != 0 {
		t.Fatalf("empty streak = %d", got)
	}
}

func TestDoseAccuracyCurve(t *testing.T) {
	tests := []struct {
		minutes float64
		want    float64
	}{
		{0, 100},
		{30, 100},
		{75, 50},
		{120, 0},
		{300, 0},
	}
	for _, tt := range tests {
		if got := doseAccuracy(tt.minutes); got != tt.want {
			t.Fatalf("doseAccuracy(%v) = %v, want %v", tt.minutes, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score, delta int
		want         models.PatternType
	}{
		{40, -25, models.PatternIrregular},
		{40, 25, models.PatternIrregular},
		{80, 5, models.PatternConsistent},
		{60, 18, models.PatternImproving},
		{60, -18, models.PatternDeclining},
		{60, 12, models.PatternConsistent},
		{45, 12, models.PatternIrregular},
	}
	for _, tt := range tests {
		if got := classify(tt.score, tt.delta); got != tt.want {
			t.Fatalf("classify(%d, %d) = %s, want %s", tt.score, tt.delta, got, tt.want)
		}
	}
}

func TestConfidence(t *testing.T) {
	if got := confidence(10, 15); got != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", got)
	}
	if got := confidence(10, 30); got != 0.4 {
		t.Fatalf("high variance confidence = %v, want 0.4", got)
	}
	if got := confidence(40, 0); got != 1 {
		t.Fatalf("confidence must cap at 1, got %v", got)
	}
}

func TestDetectAdherencePatterns(t *testing.T) {
	p, h := sampleData()
	now := evening
	a := newAnalyzer(p, h, &now)

	pattern, err := a.DetectAdherencePatterns(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	// previous window has no logs, no doses and no reminders: 0 + 40 + 20
	if pattern.Previous.OverallScore != 60 {
		t.Fatalf("previous score = %d, want 60", pattern.Previous.OverallScore)
	}
	if pattern.Delta != 5 || pattern.Pattern != models.PatternConsistent {
		t.Fatalf("unexpected pattern %+v", pattern)
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		score, streak int
		want          models.NotificationFrequency
	}{
		{85, 10, models.FrequencyMinimal},
		{85, 3, models.FrequencyReduced},
		{55, 10, models.FrequencyReduced},
		{30, 10, models.FrequencyFull},
	}
	for _, tt := range tests {
		got := Recommend(models.AdherenceScore{OverallScore: tt.score, DailyLogStreak: tt.streak})
		if got != tt.want {
			t.Fatalf("Recommend(%d, %d) = %s, want %s", tt.score, tt.streak, got, tt.want)
		}
	}
}

func TestStepMovesOneLevel(t *testing.T) {
	tests := []struct {
		current, target, want models.NotificationFrequency
	}{
		{models.FrequencyFull, models.FrequencyMinimal, models.FrequencyReduced},
		{models.FrequencyMinimal, models.FrequencyFull, models.FrequencyReduced},
		{models.FrequencyReduced, models.FrequencyMinimal, models.FrequencyMinimal},
		{models.FrequencyReduced, models.FrequencyReduced, models.FrequencyReduced},
	}
	for _, tt := range tests {
		if got := Step(tt.current, tt.target); got != tt.want {
			t.Fatalf("Step(%s, %s) = %s, want %s", tt.current, tt.target, got, tt.want)
		}
	}
}

func TestRecommendNotificationFrequency(t *testing.T) {
	p, h := sampleData()
	now := evening
	a := newAnalyzer(p, h, &now)

	rec, err := a.RecommendNotificationFrequency(context.Background(), "u-1", models.FrequencyFull)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if rec.Recommended != models.FrequencyReduced || rec.Next != models.FrequencyReduced {
		t.Fatalf("unexpected recommendation %+v", rec)
	}
}
