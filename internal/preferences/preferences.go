// Package preferences persists the user's notification preferences and
// notifies subscribers when they change.
package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

const storeKey = "notification_preferences"

// ErrInvalid wraps validation failures from Update.
var ErrInvalid = errors.New("invalid preferences")

// Observer is called with the old and new record after a successful update.
type Observer func(old, updated models.Preferences)

type Store struct {
	store  store.Store
	logger *logging.Logger

	mu        sync.Mutex
	cached    *models.Preferences
	observers []Observer
}

func New(s store.Store, logger *logging.Logger) *Store {
	return &Store{store: s, logger: logger.WithComponent("preferences")}
}

// Get returns the stored preferences, migrating older layouts and falling
// back to defaults when nothing is stored.
func (p *Store) Get(ctx context.Context) (models.Preferences, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(ctx)
}

// Update applies fn to the current record, validates and persists the
// result, then notifies observers.
func (p *Store) Update(ctx context.Context, fn func(*models.Preferences)) (models.Preferences, error) {
	p.mu.Lock()
	old, err := p.getLocked(ctx)
	if err != nil {
		p.mu.Unlock()
		return models.Preferences{}, err
	}
	updated := old
	fn(&updated)
	updated.Version = models.PreferencesVersion
	if err := Validate(updated); err != nil {
		p.mu.Unlock()
		return models.Preferences{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.saveLocked(ctx, updated); err != nil {
		p.mu.Unlock()
		return models.Preferences{}, err
	}
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()

	for _, o := range observers {
		o(old, updated)
	}
	return updated, nil
}

// Subscribe registers o for change notifications.
func (p *Store) Subscribe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Validate checks field ranges of a preference record.
func Validate(prefs models.Preferences) error {
	if err := prefs.DailyReminderTime.Validate(); err != nil {
		return fmt.Errorf("invalid daily reminder time: %w", err)
	}
	if prefs.DoseReminderAdvanceMinutes < 0 || prefs.DoseReminderAdvanceMinutes > 24*60 {
		return fmt.Errorf("dose reminder advance %d minutes out of range", prefs.DoseReminderAdvanceMinutes)
	}
	if err := prefs.QuietHours.Validate(); err != nil {
		return err
	}
	if !prefs.CurrentFrequency.Valid() {
		return fmt.Errorf("unknown notification frequency %q", prefs.CurrentFrequency)
	}
	return nil
}

func (p *Store) getLocked(ctx context.Context) (models.Preferences, error) {
	if p.cached != nil {
		return *p.cached, nil
	}
	raw, err := p.store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			prefs := models.DefaultPreferences()
			p.cached = &prefs
			return prefs, nil
		}
		return models.Preferences{}, models.StorageError("load preferences", err)
	}

	prefs, migrated, err := Migrate(raw)
	if err != nil {
		return models.Preferences{}, models.StorageError("decode preferences", err)
	}
	if migrated {
		p.logger.Infof("Migrated notification preferences to version %d", models.PreferencesVersion)
		if err := p.saveLocked(ctx, prefs); err != nil {
			p.logger.Warnf("Failed to persist migrated preferences: %v", err)
		}
	}
	p.cached = &prefs
	return prefs, nil
}

func (p *Store) saveLocked(ctx context.Context, prefs models.Preferences) error {
	if err := store.SetJSON(ctx, p.store, storeKey, prefs); err != nil {
		return models.StorageError("save preferences", err)
	}
	p.cached = &prefs
	return nil
}

// Migrate decodes a stored record of any version. Fields missing from older
// layouts take their defaults; fields already present are kept.
//
// v1 had the four toggles and the daily reminder time, v2 added quiet hours
// and the dose reminder advance, v3 added adaptive frequency.
func Migrate(raw []byte) (models.Preferences, bool, error) {
	var versioned struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &versioned); err != nil {
		return models.Preferences{}, false, err
	}

	prefs := models.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return models.Preferences{}, false, err
	}

	version := versioned.Version
	if version == 0 {
		version = 1
	}
	if version > models.PreferencesVersion {
		return models.Preferences{}, false, fmt.Errorf("preferences version %d is newer than supported %d", version, models.PreferencesVersion)
	}
	prefs.Version = models.PreferencesVersion
	return prefs, version < models.PreferencesVersion, nil
}
