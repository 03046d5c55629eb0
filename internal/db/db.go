package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS notification_history (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    notification_id     TEXT NOT NULL,
    type                TEXT NOT NULL,
    title               TEXT NOT NULL,
    body                TEXT NOT NULL DEFAULT '',
    scheduled_time      TIMESTAMPTZ NOT NULL,
    delivered_time      TIMESTAMPTZ,
    actioned_time       TIMESTAMPTZ,
    action              TEXT,
    related_entity_id   TEXT,
    related_entity_type TEXT,
    created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notification_history_user_scheduled_idx
    ON notification_history (user_id, scheduled_time DESC);
CREATE INDEX IF NOT EXISTS notification_history_notification_idx
    ON notification_history (notification_id);`

// EnsureSchema creates the history table and its indexes if missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (d *DB) Close() {
	d.Pool.Close()
}
