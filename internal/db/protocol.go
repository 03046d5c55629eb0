package db

import (
	"context"
	"fmt"
	"time"

	"protocol-notifier/internal/models"
)

// ProtocolRepository reads symptom logs and dose records written by the
// protocol backend. The tables are owned by that backend; this side only reads.
type ProtocolRepository struct {
	db *DB
}

func (d *DB) Protocol() *ProtocolRepository {
	return &ProtocolRepository{db: d}
}

func (r *ProtocolRepository) SymptomLogTimes(ctx context.Context, userID string, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT logged_at FROM symptom_logs
        WHERE user_id = $1 AND logged_at >= $2 AND logged_at < $3
        ORDER BY logged_at`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query symptom logs: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan symptom log: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *ProtocolRepository) DoseRecords(ctx context.Context, userID string, from, to time.Time) ([]models.DoseRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT test_step_id, scheduled_at, completed_at FROM dose_records
        WHERE user_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
        ORDER BY scheduled_at`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query dose records: %w", err)
	}
	defer rows.Close()

	var out []models.DoseRecord
	for rows.Next() {
		var d models.DoseRecord
		if err := rows.Scan(&d.TestStepID, &d.ScheduledAt, &d.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dose record: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
