package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"protocol-notifier/internal/models"
)

const historyColumns = `id, user_id, notification_id, type, title, body, scheduled_time,
       delivered_time, actioned_time, action, related_entity_id, related_entity_type, created_at`

// saveActionQuery inserts or updates a row unless it already has an action.
// A skipped row affects nothing.
const saveActionQuery = `
        INSERT INTO notification_history (` + historyColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO UPDATE SET
            delivered_time = COALESCE(notification_history.delivered_time, EXCLUDED.delivered_time),
            actioned_time  = EXCLUDED.actioned_time,
            action         = EXCLUDED.action
        WHERE notification_history.actioned_time IS NULL`

// HistoryRepository stores notification history in PostgreSQL.
type HistoryRepository struct {
	db *DB
}

func (d *DB) History() *HistoryRepository {
	return &HistoryRepository{db: d}
}

// Save inserts e or replaces the row with the same id.
func (r *HistoryRepository) Save(ctx context.Context, e models.HistoryEntry) error {
	query := `
        INSERT INTO notification_history (` + historyColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO UPDATE SET
            scheduled_time = EXCLUDED.scheduled_time,
            delivered_time = EXCLUDED.delivered_time,
            actioned_time  = EXCLUDED.actioned_time,
            action         = EXCLUDED.action`
	_, err := r.db.Pool.Exec(ctx, query, historyArgs(e)...)
	if err != nil {
		return fmt.Errorf("failed to save history entry %s: %w", e.ID, err)
	}
	return nil
}

// SaveAction stores the action on e unless the row was answered already.
func (r *HistoryRepository) SaveAction(ctx context.Context, e models.HistoryEntry) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, saveActionQuery, historyArgs(e)...)
	if err != nil {
		return false, fmt.Errorf("failed to save action on history entry %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *HistoryRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM notification_history WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete history entry %s: %w", id, err)
	}
	return nil
}

func (r *HistoryRepository) Get(ctx context.Context, id string) (models.HistoryEntry, bool, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+historyColumns+` FROM notification_history WHERE id = $1`, id)
	e, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.HistoryEntry{}, false, nil
		}
		return models.HistoryEntry{}, false, fmt.Errorf("failed to get history entry %s: %w", id, err)
	}
	return e, true, nil
}

func (r *HistoryRepository) List(ctx context.Context, f models.HistoryFilter) ([]models.HistoryEntry, error) {
	query, args := listQuery(f)
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return entries, nil
}

func (r *HistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM notification_history WHERE scheduled_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return int(tag.RowsAffected()), nil
}

// listQuery builds the filtered SELECT. Bounds apply to scheduled_time,
// from inclusive and to exclusive.
func listQuery(f models.HistoryFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.NotificationID != "" {
		add("notification_id = $%d", f.NotificationID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if !f.From.IsZero() {
		add("scheduled_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("scheduled_time < $%d", f.To)
	}

	query := `SELECT ` + historyColumns + ` FROM notification_history`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_time DESC, created_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func historyArgs(e models.HistoryEntry) []any {
	return []any{
		e.ID, e.UserID, e.NotificationID, string(e.Type), e.Title, e.Body, e.ScheduledTime,
		e.DeliveredTime, e.ActionedTime, e.Action, e.RelatedEntityID, e.RelatedEntityType, e.CreatedAt,
	}
}

func scanHistory(row pgx.Row) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	var kind string
	err := row.Scan(
		&e.ID, &e.UserID, &e.NotificationID, &kind, &e.Title, &e.Body, &e.ScheduledTime,
		&e.DeliveredTime, &e.ActionedTime, &e.Action, &e.RelatedEntityID, &e.RelatedEntityType, &e.CreatedAt,
	)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	e.Type = models.NotificationType(kind)
	return e, nil
}
