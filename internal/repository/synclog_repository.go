package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// SyncLogRepository records the outcome of every sync operation for
// operator visibility and reconciliation decisions.
type SyncLogRepository struct {
	pool *pgxpool.Pool
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(pool *pgxpool.Pool) *SyncLogRepository {
	return &SyncLogRepository{pool: pool}
}

// Start inserts a 'started' row and returns its id for the later Finish.
func (r *SyncLogRepository) Start(ctx context.Context, connectionID uuid.UUID, syncType model.SyncType, direction string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channel_sync_logs (channel_connection_id, sync_type, direction, status)
		VALUES ($1, $2, $3, 'started')
		RETURNING id
	`, connectionID, syncType, direction).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start sync log: %w", err)
	}
	return id, nil
}

// Finish closes a sync log row with its outcome.
func (r *SyncLogRepository) Finish(ctx context.Context, id uuid.UUID, status model.SyncStatus, processed, failed int, errMessage string) error {
	var msg *string
	if errMessage != "" {
		truncated := truncateError(errMessage)
		msg = &truncated
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE channel_sync_logs
		SET status = $2, items_processed = $3, items_failed = $4,
		    error_message = $5, completed_at = now()
		WHERE id = $1
	`, id, status, processed, failed, msg)
	if err != nil {
		return fmt.Errorf("finish sync log %s: %w", id, err)
	}
	return nil
}

// ListByConnection returns the most recent log rows for a connection.
func (r *SyncLogRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]model.SyncLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, channel_connection_id, sync_type, direction, status,
		       items_processed, items_failed, error_message, started_at, completed_at
		FROM channel_sync_logs
		WHERE channel_connection_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs for %s: %w", connectionID, err)
	}
	defer rows.Close()

	var logs []model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		if err := rows.Scan(
			&l.ID, &l.ConnectionID, &l.SyncType, &l.Direction, &l.Status,
			&l.ItemsProcessed, &l.ItemsFailed, &l.ErrorMessage, &l.StartedAt, &l.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountRecentFailures counts failed syncs for a connection since a cutoff.
// The reconciliation job uses this to decide whether a full push is due.
func (r *SyncLogRepository) CountRecentFailures(ctx context.Context, connectionID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::int
		FROM channel_sync_logs
		WHERE channel_connection_id = $1 AND status = 'failed' AND started_at >= $2
	`, connectionID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent failures for %s: %w", connectionID, err)
	}
	return count, nil
}
