// Package history records what was scheduled, delivered and answered, and
// keeps that record bounded.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

const (
	mirrorKey   = "notification_history"
	unsyncedKey = "notification_history_unsynced"
)

// Repository stores history entries. List returns newest first by
// ScheduledTime, then applies the filter limit. SaveAction stores e only if
// the stored entry with the same id has no action yet, and reports whether
// it did.
type Repository interface {
	Save(ctx context.Context, e models.HistoryEntry) error
	SaveAction(ctx context.Context, e models.HistoryEntry) (bool, error)
	Get(ctx context.Context, id string) (models.HistoryEntry, bool, error)
	List(ctx context.Context, f models.HistoryFilter) ([]models.HistoryEntry, error)
	Delete(ctx context.Context, id string) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LocalRepository keeps history as one JSON document in the durable store.
type LocalRepository struct {
	store store.Store
	mu    sync.Mutex
}

func NewLocalRepository(s store.Store) *LocalRepository {
	return &LocalRepository{store: s}
}

func (r *LocalRepository) Save(ctx context.Context, e models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	return r.save(ctx, entries)
}

func (r *LocalRepository) SaveAction(ctx context.Context, e models.HistoryEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return false, err
	}
	for i := range entries {
		if entries[i].ID != e.ID {
			continue
		}
		if entries[i].Actioned() {
			return false, nil
		}
		entries[i] = e
		return true, r.save(ctx, entries)
	}
	return true, r.save(ctx, append(entries, e))
}

func (r *LocalRepository) Get(ctx context.Context, id string) (models.HistoryEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return models.HistoryEntry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return models.HistoryEntry{}, false, nil
}

func (r *LocalRepository) List(ctx context.Context, f models.HistoryFilter) ([]models.HistoryEntry, error) {
	r.mu.Lock()
	entries, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Delete removes the entry with id. Unknown ids are ignored.
func (r *LocalRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == id {
			return r.save(ctx, append(entries[:i], entries[i+1:]...))
		}
	}
	return nil
}

func (r *LocalRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ScheduledTime.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	deleted := len(entries) - len(kept)
	if deleted == 0 {
		return 0, nil
	}
	return deleted, r.save(ctx, kept)
}

func (r *LocalRepository) load(ctx context.Context) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	if _, err := store.GetJSON(ctx, r.store, mirrorKey, &entries); err != nil {
		return nil, models.StorageError("load history", err)
	}
	return entries, nil
}

func (r *LocalRepository) save(ctx context.Context, entries []models.HistoryEntry) error {
	if err := store.SetJSON(ctx, r.store, mirrorKey, entries); err != nil {
		return models.StorageError("save history", err)
	}
	return nil
}

// FallbackRepository writes every entry to the local mirror and to the
// backend when reachable. Entries the backend missed are pushed by Sync.
type FallbackRepository struct {
	backend Repository
	mirror  *LocalRepository
	store   store.Store
	logger  *logging.Logger

	mu sync.Mutex // guards the unsynced id list
}

// NewFallbackRepository wraps backend, which may be nil for local-only mode.
func NewFallbackRepository(backend Repository, s store.Store, logger *logging.Logger) *FallbackRepository {
	return &FallbackRepository{
		backend: backend,
		mirror:  NewLocalRepository(s),
		store:   s,
		logger:  logger.WithComponent("history"),
	}
}

func (r *FallbackRepository) Save(ctx context.Context, e models.HistoryEntry) error {
	if err := r.mirror.Save(ctx, e); err != nil {
		return err
	}
	if r.backend == nil {
		return nil
	}
	if err := r.backend.Save(ctx, e); err != nil {
		r.logger.Warnf("History backend unavailable, keeping %s for sync: %v", e.ID, err)
		return r.markUnsynced(ctx, e.ID)
	}
	return nil
}

// SaveAction decides on the backend when it is reachable, since another
// instance may have answered the same delivery. A rejected action leaves
// the mirror holding the backend's copy.
func (r *FallbackRepository) SaveAction(ctx context.Context, e models.HistoryEntry) (bool, error) {
	stored, err := r.mirror.SaveAction(ctx, e)
	if err != nil || !stored || r.backend == nil {
		return stored, err
	}
	stored, err = r.backend.SaveAction(ctx, e)
	if err != nil {
		r.logger.Warnf("History backend unavailable, keeping action on %s for sync: %v", e.ID, err)
		return true, r.markUnsynced(ctx, e.ID)
	}
	if stored {
		return true, nil
	}
	winner, ok, err := r.backend.Get(ctx, e.ID)
	if err != nil || !ok {
		r.logger.Warnf("Failed to load answered history entry %s from backend: %v", e.ID, err)
		return false, nil
	}
	if err := r.mirror.Save(ctx, winner); err != nil {
		r.logger.Warnf("Failed to refresh mirrored history entry %s: %v", e.ID, err)
	}
	return false, nil
}

func (r *FallbackRepository) Get(ctx context.Context, id string) (models.HistoryEntry, bool, error) {
	e, ok, err := r.mirror.Get(ctx, id)
	if err != nil || ok || r.backend == nil {
		return e, ok, err
	}
	return r.backend.Get(ctx, id)
}

func (r *FallbackRepository) List(ctx context.Context, f models.HistoryFilter) ([]models.HistoryEntry, error) {
	if r.backend != nil {
		entries, err := r.backend.List(ctx, f)
		if err == nil {
			return entries, nil
		}
		r.logger.Warnf("History backend list failed, serving local mirror: %v", err)
	}
	return r.mirror.List(ctx, f)
}

func (r *FallbackRepository) Delete(ctx context.Context, id string) error {
	if err := r.mirror.Delete(ctx, id); err != nil {
		return err
	}
	if r.backend == nil {
		return nil
	}
	if err := r.backend.Delete(ctx, id); err != nil {
		r.logger.Warnf("History backend delete of %s failed: %v", id, err)
	}
	return nil
}

func (r *FallbackRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted, err := r.mirror.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if r.backend != nil {
		n, err := r.backend.DeleteBefore(ctx, cutoff)
		if err != nil {
			r.logger.Warnf("History backend cleanup failed: %v", err)
		} else if n > deleted {
			deleted = n
		}
	}
	return deleted, nil
}

// Sync pushes mirror entries the backend has not acknowledged. It returns
// how many were pushed.
func (r *FallbackRepository) Sync(ctx context.Context) (int, error) {
	if r.backend == nil {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.loadUnsynced(ctx)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	var remaining []string
	var errs []error
	pushed := 0
	for _, id := range ids {
		e, ok, err := r.mirror.Get(ctx, id)
		if err != nil {
			return pushed, err
		}
		if !ok {
			// purged locally before it could be synced
			continue
		}
		if err := r.backend.Save(ctx, e); err != nil {
			remaining = append(remaining, id)
			errs = append(errs, err)
			continue
		}
		pushed++
	}
	if err := r.saveUnsynced(ctx, remaining); err != nil {
		return pushed, err
	}
	if pushed > 0 {
		r.logger.Infof("Synced %d history entries to backend", pushed)
	}
	return pushed, errors.Join(errs...)
}

func (r *FallbackRepository) markUnsynced(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, err := r.loadUnsynced(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return r.saveUnsynced(ctx, append(ids, id))
}

func (r *FallbackRepository) loadUnsynced(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := store.GetJSON(ctx, r.store, unsyncedKey, &ids); err != nil {
		return nil, models.StorageError("load unsynced history", err)
	}
	return ids, nil
}

func (r *FallbackRepository) saveUnsynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		if err := r.store.Remove(ctx, unsyncedKey); err != nil {
			return models.StorageError("clear unsynced history", err)
		}
		return nil
	}
	if err := store.SetJSON(ctx, r.store, unsyncedKey, ids); err != nil {
		return models.StorageError("save unsynced history", err)
	}
	return nil
}

func sortNewestFirst(entries []models.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ScheduledTime.After(entries[j].ScheduledTime)
	})
}
