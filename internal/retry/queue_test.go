package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	q := New(store.NewMemoryStore(), logging.NewDiscard(), Options{
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
		MaxDelay:    10 * time.Minute,
	}, c.now)
	return q, c
}

func TestEnqueueDedupesSameTarget(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	if err := q.Enqueue(ctx, models.RetrySchedule, "dose_reminder:step-1", map[string]string{"v": "1"}, errors.New("offline")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, models.RetrySchedule, "dose_reminder:step-1", map[string]string{"v": "2"}, errors.New("still offline")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, models.RetryCancel, "dose_reminder:step-1", nil, errors.New("offline")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status, err := q.GetQueueStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Total != 2 {
		t.Fatalf("expected 2 entries (one per operation), got %d", status.Total)
	}
	first := status.Entries[0]
	if first.AttemptCount != 2 || string(first.Payload) != `{"v":"2"}` {
		t.Fatalf("expected updated entry, got attempts=%d payload=%s", first.AttemptCount, first.Payload)
	}
	if first.OriginalError != "offline" || first.LastError != "still offline" {
		t.Fatalf("unexpected errors recorded: %+v", first)
	}
}

func TestRetryAllImmediatelyRemovesSuccesses(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	var seen []string
	q.Register(models.RetrySchedule, func(_ context.Context, e models.RetryQueueEntry) error {
		seen = append(seen, e.Target)
		if e.Target == "bad" {
			return errors.New("still failing")
		}
		return nil
	})

	_ = q.Enqueue(ctx, models.RetrySchedule, "good", nil, errors.New("x"))
	_ = q.Enqueue(ctx, models.RetrySchedule, "bad", nil, errors.New("x"))

	res, err := q.RetryAllImmediately(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Attempted != 2 || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(seen) != 2 || seen[0] != "good" || seen[1] != "bad" {
		t.Fatalf("entries not processed in FIFO order: %v", seen)
	}

	status, _ := q.GetQueueStatus(ctx)
	if status.Total != 1 || status.Entries[0].Target != "bad" {
		t.Fatalf("expected only the failing entry to remain, got %+v", status.Entries)
	}
	if status.Entries[0].AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", status.Entries[0].AttemptCount)
	}
}

func TestRetryExhaustionDropsAndReports(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	q.Register(models.RetryCancel, func(context.Context, models.RetryQueueEntry) error {
		return errors.New("delivery primitive unavailable")
	})
	var reported []models.RetryQueueEntry
	q.OnPermanentFailure(func(e models.RetryQueueEntry) { reported = append(reported, e) })

	_ = q.Enqueue(ctx, models.RetryCancel, "notif-1", nil, errors.New("first"))

	var total models.RetryResult
	for i := 0; i < 5; i++ {
		res, err := q.RetryAllImmediately(ctx)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		total.Attempted += res.Attempted
		total.Dropped += res.Dropped
	}

	// initial failure counts as attempt 1, so two more attempts exhaust MaxAttempts=3
	if total.Attempted != 2 || total.Dropped != 1 {
		t.Fatalf("expected 2 attempts and 1 drop, got %+v", total)
	}
	if len(reported) != 1 || reported[0].Target != "notif-1" || reported[0].AttemptCount != 3 {
		t.Fatalf("expected one permanent failure report, got %+v", reported)
	}
	status, _ := q.GetQueueStatus(ctx)
	if status.Total != 0 {
		t.Fatalf("exhausted entry must be removed, %d left", status.Total)
	}
}

func TestProcessDueHonoursBackoff(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)

	calls := 0
	q.Register(models.RetrySchedule, func(context.Context, models.RetryQueueEntry) error {
		calls++
		return errors.New("nope")
	})
	_ = q.Enqueue(ctx, models.RetrySchedule, "k", nil, errors.New("x"))

	if res, _ := q.ProcessDue(ctx); res.Attempted != 0 {
		t.Fatalf("entry is not due yet, attempted %d", res.Attempted)
	}

	c.advance(time.Minute)
	if res, _ := q.ProcessDue(ctx); res.Attempted != 1 {
		t.Fatalf("entry should be due after base delay, attempted %d", res.Attempted)
	}

	status, _ := q.GetQueueStatus(ctx)
	e := status.Entries[0]
	if want := c.t.Add(2 * time.Minute); !e.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt at %v, want %v", e.NextAttemptAt, want)
	}
	if status.Pending != 1 || status.Due != 0 {
		t.Fatalf("unexpected counts %+v", status)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestGetQueueStatusHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	called := false
	q.Register(models.RetrySchedule, func(context.Context, models.RetryQueueEntry) error {
		called = true
		return nil
	})
	_ = q.Enqueue(ctx, models.RetrySchedule, "k", nil, errors.New("x"))

	for i := 0; i < 3; i++ {
		if _, err := q.GetQueueStatus(ctx); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
	status, _ := q.GetQueueStatus(ctx)
	if called || status.Total != 1 || status.Entries[0].AttemptCount != 1 {
		t.Fatalf("status query mutated the queue: called=%v %+v", called, status)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	_ = q.Enqueue(ctx, models.RetrySchedule, "a", nil, errors.New("x"))
	_ = q.Enqueue(ctx, models.RetrySchedule, "b", nil, errors.New("x"))

	if err := q.Remove(ctx, models.RetrySchedule, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove(ctx, models.RetrySchedule, "missing"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	status, _ := q.GetQueueStatus(ctx)
	if status.Total != 1 || status.Entries[0].Target != "b" {
		t.Fatalf("unexpected entries %+v", status.Entries)
	}
}
