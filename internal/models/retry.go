package models

import (
	"encoding/json"
	"time"
)

// RetryOperation is the kind of delivery-primitive call being retried.
type RetryOperation string

const (
	RetrySchedule RetryOperation = "schedule"
	RetryCancel   RetryOperation = "cancel"
)

// RetryQueueEntry is a failed operation waiting to be re-attempted.
// Target identifies the logical operation: the notification key for a
// schedule, the notification id for a cancel.
type RetryQueueEntry struct {
	ID            string          `json:"id"`
	Operation     RetryOperation  `json:"operation"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	OriginalError string          `json:"original_error"`
	LastError     string          `json:"last_error,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RetryQueueStatus is a read-only view for diagnostics.
type RetryQueueStatus struct {
	Total   int               `json:"total"`
	Pending int               `json:"pending"`
	Due     int               `json:"due"`
	Entries []RetryQueueEntry `json:"entries"`
}

// RetryResult summarises one pass over the queue.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}
