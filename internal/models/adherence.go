package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AdherenceScore is derived from history; never the source of truth.
type AdherenceScore struct {
	UserID             string `json:"user_id"`
	DailyLogStreak     int    `json:"daily_log_streak"`
	DoseTimingAccuracy int    `json:"dose_timing_accuracy"`
	MissedReminders    int    `json:"missed_reminders"`
	TotalReminders     int    `json:"total_reminders"`
	OverallScore       int    `json:"overall_score"`
	Period             Period `json:"period"`
}

// PatternType classifies adherence trend between two windows.
type PatternType string

const (
	PatternConsistent PatternType = "consistent"
	PatternImproving  PatternType = "improving"
	PatternDeclining  PatternType = "declining"
	PatternIrregular  PatternType = "irregular"
)

// AdherencePattern compares the current window with the previous one.
type AdherencePattern struct {
	Pattern         PatternType    `json:"pattern"`
	Confidence      float64        `json:"confidence"`
	Current         AdherenceScore `json:"current"`
	Previous        AdherenceScore `json:"previous"`
	Delta           int            `json:"delta"`
	Description     string         `json:"description"`
	DetectedAt      time.Time      `json:"detected_at"`
	SampleReminders int            `json:"sample_reminders"`
}

// NotificationFrequency is the cadence policy, ordered full > reduced > minimal.
type NotificationFrequency string

const (
	FrequencyFull    NotificationFrequency = "full"
	FrequencyReduced NotificationFrequency = "reduced"
	FrequencyMinimal NotificationFrequency = "minimal"
)

var frequencyLevels = map[NotificationFrequency]int{
	FrequencyMinimal: 0,
	FrequencyReduced: 1,
	FrequencyFull:    2,
}

var frequencyByLevel = []NotificationFrequency{FrequencyMinimal, FrequencyReduced, FrequencyFull}

// Level returns the ordinal of f (minimal=0, full=2); unknown values are full.
func (f NotificationFrequency) Level() int {
	if l, ok := frequencyLevels[f]; ok {
		return l
	}
	return frequencyLevels[FrequencyFull]
}

func (f NotificationFrequency) Valid() bool {
	_, ok := frequencyLevels[f]
	return ok
}

// FrequencyAtLevel is the inverse of Level, clamped to the valid range.
func FrequencyAtLevel(level int) NotificationFrequency {
	if level < 0 {
		level = 0
	}
	if level >= len(frequencyByLevel) {
		level = len(frequencyByLevel) - 1
	}
	return frequencyByLevel[level]
}

func (f *NotificationFrequency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := NotificationFrequency(s)
	if !v.Valid() {
		return fmt.Errorf("unknown notification frequency %q", s)
	}
	*f = v
	return nil
}

// FrequencyRecommendation explains a recommended frequency.
type FrequencyRecommendation struct {
	Current     NotificationFrequency `json:"current"`
	Recommended NotificationFrequency `json:"recommended"`
	Next        NotificationFrequency `json:"next"`
	Score       AdherenceScore        `json:"score"`
	Reason      string                `json:"reason"`
}

// DoseRecord is one scheduled dose and when it was actually taken.
type DoseRecord struct {
	TestStepID  string     `json:"test_step_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
