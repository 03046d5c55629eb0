// Package retry keeps a durable queue of delivery operations that failed and
// re-attempts them with exponential backoff.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
	"protocol-notifier/internal/utils"
)

const storeKey = "retry_queue"

// Handler re-attempts one queued operation.
type Handler func(ctx context.Context, entry models.RetryQueueEntry) error

// Options tunes attempts and backoff.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultOptions: 5 attempts, 1 minute doubling up to 1 hour.
func DefaultOptions() Options {
	return Options{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: time.Hour}
}

// Queue is a durable FIFO of RetryQueueEntry.
type Queue struct {
	store  store.Store
	logger *logging.Logger
	opts   Options
	now    func() time.Time

	mu      sync.Mutex // guards read-modify-write of the persisted list
	drainMu sync.Mutex // one pass over the queue at a time

	hmu                sync.RWMutex
	handlers           map[models.RetryOperation]Handler
	onPermanentFailure func(models.RetryQueueEntry)
}

func New(s store.Store, logger *logging.Logger, opts Options, now func() time.Time) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:    s,
		logger:   logger.WithComponent("retry-queue"),
		opts:     opts,
		now:      now,
		handlers: make(map[models.RetryOperation]Handler),
	}
}

// Register sets the handler used to re-attempt op.
func (q *Queue) Register(op models.RetryOperation, h Handler) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.handlers[op] = h
}

// OnPermanentFailure sets a callback invoked for every entry dropped after
// exhausting its attempts.
func (q *Queue) OnPermanentFailure(fn func(models.RetryQueueEntry)) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.onPermanentFailure = fn
}

// Enqueue records a failed operation. An entry for the same (op, target)
// is updated in place rather than duplicated; its attempt count grows.
func (q *Queue) Enqueue(ctx context.Context, op models.RetryOperation, target string, payload any, cause error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.StorageError("enqueue retry", fmt.Errorf("failed to encode payload: %w", err))
	}
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}

	now := q.now()
	var dropped *models.RetryQueueEntry
	found := false
	for i := range entries {
		e := &entries[i]
		if e.Operation != op || e.Target != target {
			continue
		}
		found = true
		e.Payload = raw
		e.LastError = causeText
		e.AttemptCount++
		e.NextAttemptAt = now.Add(utils.Backoff(e.AttemptCount, q.opts.BaseDelay, q.opts.MaxDelay))
		if e.AttemptCount >= q.opts.MaxAttempts {
			d := *e
			dropped = &d
			entries = append(entries[:i], entries[i+1:]...)
		}
		break
	}

	if !found {
		entries = append(entries, models.RetryQueueEntry{
			ID:            uuid.NewString(),
			Operation:     op,
			Target:        target,
			Payload:       raw,
			OriginalError: causeText,
			AttemptCount:  1,
			NextAttemptAt: now.Add(utils.Backoff(1, q.opts.BaseDelay, q.opts.MaxDelay)),
			CreatedAt:     now,
		})
		q.logger.Infof("Queued %s retry for %s: %s", op, target, causeText)
	}

	if err := q.save(ctx, entries); err != nil {
		return err
	}
	if dropped != nil {
		q.reportPermanent(*dropped)
	}
	return nil
}

// Remove deletes the entry for (op, target) if present.
func (q *Queue) Remove(ctx context.Context, op models.RetryOperation, target string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	removed := false
	for _, e := range entries {
		if e.Operation == op && e.Target == target {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return nil
	}
	return q.save(ctx, kept)
}

// RetryAllImmediately re-attempts every entry regardless of NextAttemptAt.
// It is meant for reconnect and resume events.
func (q *Queue) RetryAllImmediately(ctx context.Context) (models.RetryResult, error) {
	return q.drain(ctx, func(models.RetryQueueEntry) bool { return true })
}

// ProcessDue re-attempts entries whose NextAttemptAt has passed.
func (q *Queue) ProcessDue(ctx context.Context) (models.RetryResult, error) {
	now := q.now()
	return q.drain(ctx, func(e models.RetryQueueEntry) bool { return !e.NextAttemptAt.After(now) })
}

// GetQueueStatus returns counts and raw entries without side effects.
func (q *Queue) GetQueueStatus(ctx context.Context) (models.RetryQueueStatus, error) {
	q.mu.Lock()
	entries, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return models.RetryQueueStatus{}, err
	}

	now := q.now()
	status := models.RetryQueueStatus{Total: len(entries), Entries: entries}
	for _, e := range entries {
		if e.NextAttemptAt.After(now) {
			status.Pending++
		} else {
			status.Due++
		}
	}
	return status, nil
}

// Run processes due entries on every tick until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Infof("Retry worker started (interval %s)", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Infof("Retry worker stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx); err != nil {
				q.logger.Errorf("Processing due retries failed: %v", err)
			}
		}
	}
}

func (q *Queue) drain(ctx context.Context, selectFn func(models.RetryQueueEntry) bool) (models.RetryResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var result models.RetryResult

	q.mu.Lock()
	snapshot, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return result, err
	}

	// handlers run without q.mu held; they may touch the delivery primitive
	// and the tracking store for a while
	outcomes := make(map[string]error)
	for _, e := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !selectFn(e) {
			continue
		}
		h := q.handler(e.Operation)
		if h == nil {
			q.logger.Warnf("No handler registered for %s retry %s", e.Operation, e.ID)
			continue
		}
		result.Attempted++
		err := h(ctx, e)
		if err == nil {
			result.Succeeded++
		}
		outcomes[e.ID] = err
	}
	if len(outcomes) == 0 {
		return result, nil
	}

	q.mu.Lock()
	entries, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return result, err
	}

	now := q.now()
	var dropped []models.RetryQueueEntry
	kept := entries[:0]
	for _, e := range entries {
		outcome, attempted := outcomes[e.ID]
		if !attempted {
			kept = append(kept, e)
			continue
		}
		if outcome == nil {
			q.logger.Infof("Retry of %s for %s succeeded after %d attempts", e.Operation, e.Target, e.AttemptCount)
			continue
		}
		e.AttemptCount++
		e.LastError = outcome.Error()
		if e.AttemptCount >= q.opts.MaxAttempts {
			result.Dropped++
			dropped = append(dropped, e)
			continue
		}
		result.Failed++
		e.NextAttemptAt = now.Add(utils.Backoff(e.AttemptCount, q.opts.BaseDelay, q.opts.MaxDelay))
		kept = append(kept, e)
	}
	err = q.save(ctx, kept)
	q.mu.Unlock()
	if err != nil {
		return result, err
	}

	for _, e := range dropped {
		q.reportPermanent(e)
	}
	return result, nil
}

func (q *Queue) handler(op models.RetryOperation) Handler {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	return q.handlers[op]
}

func (q *Queue) reportPermanent(e models.RetryQueueEntry) {
	q.logger.Errorf("Permanent failure: %s for %s dropped after %d attempts (first error: %s, last error: %s)",
		e.Operation, e.Target, e.AttemptCount, e.OriginalError, e.LastError)

	q.hmu.RLock()
	fn := q.onPermanentFailure
	q.hmu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (q *Queue) load(ctx context.Context) ([]models.RetryQueueEntry, error) {
	var entries []models.RetryQueueEntry
	if _, err := store.GetJSON(ctx, q.store, storeKey, &entries); err != nil {
		return nil, models.StorageError("load retry queue", err)
	}
	return entries, nil
}

func (q *Queue) save(ctx context.Context, entries []models.RetryQueueEntry) error {
	if len(entries) == 0 {
		if err := q.store.Remove(ctx, storeKey); err != nil {
			return models.StorageError("clear retry queue", err)
		}
		return nil
	}
	if err := store.SetJSON(ctx, q.store, storeKey, entries); err != nil {
		return models.StorageError("save retry queue", err)
	}
	return nil
}
