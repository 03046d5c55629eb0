package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"

	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/store"
)

const (
	backupKeyPrefix    = "history_backup:"
	backupIndexKey     = "history_backups"
	cleanupScheduleKey = "history_cleanup_schedule"

	DefaultRetention  = 30 * 24 * time.Hour
	DefaultMaxBackups = 5
	DefaultCronSpec   = "0 3 * * *"
)

type OptimizerOptions struct {
	Retention  time.Duration
	MaxBackups int
	CronSpec   string
	Location   *time.Location
}

// BackupInfo describes one compressed backup of purged entries.
type BackupInfo struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
	Bytes     int       `json:"bytes"`
}

// CleanupSchedule is persisted after each run.
type CleanupSchedule struct {
	LastRun time.Time `json:"last_run"`
	NextRun time.Time `json:"next_run"`
}

type CleanupResult struct {
	BackedUp  int    `json:"backed_up"`
	Deleted   int    `json:"deleted"`
	BackupKey string `json:"backup_key,omitempty"`
	Pruned    int    `json:"pruned_backups"`
}

// StorageOptimizer purges history past retention, keeping compressed backups.
type StorageOptimizer struct {
	repo      Repository
	store     store.Store
	analytics *Analytics
	userID    string
	logger    *logging.Logger
	opts      OptimizerOptions
	schedule  cron.Schedule
	now       func() time.Time

	mu sync.Mutex
}

// NewStorageOptimizer validates the cron spec. analytics may be nil; when
// set, each run first snapshots the previous day for userID.
func NewStorageOptimizer(repo Repository, s store.Store, analytics *Analytics, userID string, logger *logging.Logger, opts OptimizerOptions, now func() time.Time) (*StorageOptimizer, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.CronSpec == "" {
		opts.CronSpec = DefaultCronSpec
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if now == nil {
		now = time.Now
	}
	schedule, err := cron.ParseStandard(opts.CronSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cleanup schedule %q: %w", opts.CronSpec, err)
	}
	return &StorageOptimizer{
		repo:      repo,
		store:     s,
		analytics: analytics,
		userID:    userID,
		logger:    logger.WithComponent("storage-optimizer"),
		opts:      opts,
		schedule:  schedule,
		now:       now,
	}, nil
}

// Cleanup backs up and deletes entries older than the retention period,
// prunes old backups and records the schedule.
func (o *StorageOptimizer) Cleanup(ctx context.Context) (CleanupResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result CleanupResult
	now := o.now()
	cutoff := now.Add(-o.opts.Retention)

	if o.analytics != nil {
		if _, err := o.analytics.RecordDailySnapshot(ctx, o.userID, now.AddDate(0, 0, -1)); err != nil {
			o.logger.Warnf("Failed to record daily analytics snapshot: %v", err)
		}
	}

	expiring, err := o.repo.List(ctx, models.HistoryFilter{To: cutoff})
	if err != nil {
		return result, fmt.Errorf("failed to list expiring history: %w", err)
	}
	if len(expiring) > 0 {
		info, err := o.backup(ctx, expiring, now)
		if err != nil {
			return result, err
		}
		result.BackedUp = info.Entries
		result.BackupKey = info.Key
	}

	deleted, err := o.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete expired history: %w", err)
	}
	result.Deleted = deleted

	pruned, err := o.pruneBackups(ctx)
	if err != nil {
		return result, err
	}
	result.Pruned = pruned

	sched := CleanupSchedule{LastRun: now, NextRun: o.schedule.Next(now.In(o.opts.Location))}
	if err := store.SetJSON(ctx, o.store, cleanupScheduleKey, sched); err != nil {
		o.logger.Warnf("Failed to record cleanup schedule: %v", err)
	}

	o.logger.Infof("History cleanup: backed up %d, deleted %d, pruned %d backups", result.BackedUp, result.Deleted, result.Pruned)
	return result, nil
}

// Schedule returns the last recorded run and the next planned one.
func (o *StorageOptimizer) Schedule(ctx context.Context) (CleanupSchedule, bool, error) {
	var sched CleanupSchedule
	found, err := store.GetJSON(ctx, o.store, cleanupScheduleKey, &sched)
	if err != nil {
		return sched, false, models.StorageError("load cleanup schedule", err)
	}
	return sched, found, nil
}

// Backups lists stored backups, newest first.
func (o *StorageOptimizer) Backups(ctx context.Context) ([]BackupInfo, error) {
	var index []BackupInfo
	if _, err := store.GetJSON(ctx, o.store, backupIndexKey, &index); err != nil {
		return nil, models.StorageError("load backup index", err)
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].CreatedAt.After(index[j].CreatedAt) })
	return index, nil
}

// RestoreBackup decodes the entries held in a backup.
func (o *StorageOptimizer) RestoreBackup(ctx context.Context, key string) ([]models.HistoryEntry, error) {
	raw, err := o.store.Get(ctx, key)
	if err != nil {
		return nil, models.StorageError("load backup", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open backup %s: %w", key, err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup %s: %w", key, err)
	}
	var entries []models.HistoryEntry
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", key, err)
	}
	return entries, nil
}

// Start runs Cleanup on the cron schedule until ctx is cancelled. A run is
// made immediately when the recorded next run is missing or overdue.
func (o *StorageOptimizer) Start(ctx context.Context) {
	c := cron.New(cron.WithLocation(o.opts.Location))
	c.Schedule(o.schedule, cron.FuncJob(func() {
		if _, err := o.Cleanup(ctx); err != nil {
			o.logger.Errorf("Scheduled history cleanup failed: %v", err)
		}
	}))
	c.Start()
	o.logger.Infof("History cleanup scheduled (%s)", o.opts.CronSpec)

	if sched, found, err := o.Schedule(ctx); err != nil || !found || !sched.NextRun.After(o.now()) {
		if _, err := o.Cleanup(ctx); err != nil {
			o.logger.Errorf("Startup history cleanup failed: %v", err)
		}
	}

	<-ctx.Done()
	<-c.Stop().Done()
	o.logger.Infof("History cleanup stopped")
}

func (o *StorageOptimizer) backup(ctx context.Context, entries []models.HistoryEntry, now time.Time) (BackupInfo, error) {
	plain, err := json.Marshal(entries)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to encode backup: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to compress backup: %w", err)
	}

	info := BackupInfo{
		Key:       fmt.Sprintf("%s%d", backupKeyPrefix, now.UnixNano()),
		CreatedAt: now,
		Entries:   len(entries),
		Bytes:     buf.Len(),
	}
	if err := o.store.Set(ctx, info.Key, buf.Bytes()); err != nil {
		return BackupInfo{}, models.StorageError("save backup", err)
	}

	index, err := o.Backups(ctx)
	if err != nil {
		return BackupInfo{}, err
	}
	index = append([]BackupInfo{info}, index...)
	if err := store.SetJSON(ctx, o.store, backupIndexKey, index); err != nil {
		return BackupInfo{}, models.StorageError("save backup index", err)
	}
	return info, nil
}

func (o *StorageOptimizer) pruneBackups(ctx context.Context) (int, error) {
	index, err := o.Backups(ctx)
	if err != nil || len(index) <= o.opts.MaxBackups {
		return 0, err
	}
	for _, b := range index[o.opts.MaxBackups:] {
		if err := o.store.Remove(ctx, b.Key); err != nil {
			return 0, models.StorageError("remove backup", err)
		}
	}
	pruned := len(index) - o.opts.MaxBackups
	if err := store.SetJSON(ctx, o.store, backupIndexKey, index[:o.opts.MaxBackups]); err != nil {
		return 0, models.StorageError("save backup index", err)
	}
	return pruned, nil
}
