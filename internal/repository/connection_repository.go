package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// ConnectionRepository provides access to channel connections, the links
// between a property and its remote channel listings.
type ConnectionRepository struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(pool *pgxpool.Pool, redis *redis.Client) *ConnectionRepository {
	return &ConnectionRepository{pool: pool, redis: redis}
}

// ─── Redis-backed fast path ─────────────────────────────────

const (
	connKeyPrefix = "connection:"
	connCacheTTL  = 30 * time.Second // Webhooks for the same listing arrive in bursts.
)

func connCacheKey(channel model.ChannelType, remotePropertyID string) string {
	return fmt.Sprintf("%s%s:%s", connKeyPrefix, channel, remotePropertyID)
}

// GetByChannelRemote resolves the connection for an incoming webhook by
// (channel_type, remote_property_id).
//
// Strategy:
//  1. Try Redis cache first (fast path, <1ms).
//  2. On cache miss, query Postgres, then cache the row in Redis.
//
// The cached copy strips credentials (the model never serializes them), so
// callers that need tokens must read through GetByID.
func (r *ConnectionRepository) GetByChannelRemote(ctx context.Context, channel model.ChannelType, remotePropertyID string) (*model.ChannelConnection, error) {
	cacheKey := connCacheKey(channel, remotePropertyID)

	// ── Fast path: Redis cache ──────────────────────────
	if raw, err := r.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		conn := &model.ChannelConnection{}
		if err := json.Unmarshal(raw, conn); err == nil {
			return conn, nil
		}
		// A corrupt cache entry falls through to the DB.
	}

	// ── Slow path: Postgres ─────────────────────────────
	conn, err := scanConnection(r.pool.QueryRow(ctx, `
		SELECT`+connectionColumns+`
		FROM channel_connections
		WHERE channel_type = $1 AND remote_property_id = $2
	`, channel, remotePropertyID))
	if err != nil {
		return nil, fmt.Errorf("get connection %s/%s: %w", channel, remotePropertyID, notFound(err))
	}

	// Cache the result (fire-and-forget, don't block on errors).
	if raw, err := json.Marshal(conn); err == nil {
		_ = r.redis.Set(ctx, cacheKey, raw, connCacheTTL).Err()
	}
	return conn, nil
}

// invalidate clears the cached lookup for a connection.
func (r *ConnectionRepository) invalidate(ctx context.Context, channel model.ChannelType, remotePropertyID string) {
	_ = r.redis.Del(ctx, connCacheKey(channel, remotePropertyID)).Err()
}

// ─── Scanning ────────────────────────────────────────────────

const connectionColumns = `
	id, tenant_id, property_id, channel_type, remote_property_id, status,
	sync_direction, sync_enabled, sync_availability, sync_pricing,
	sync_bookings, price_adjustment_type, price_adjustment_value,
	access_token, refresh_token, token_expires_at, last_sync_at,
	last_error, consecutive_failures, created_at, updated_at`

func scanConnection(row pgx.Row) (*model.ChannelConnection, error) {
	c := &model.ChannelConnection{}
	var adjType *string
	var adjValue decimal.NullDecimal
	err := row.Scan(
		&c.ID, &c.TenantID, &c.PropertyID, &c.ChannelType, &c.RemotePropertyID, &c.Status,
		&c.SyncDirection, &c.SyncEnabled, &c.SyncAvailability, &c.SyncPricing,
		&c.SyncBookings, &adjType, &adjValue,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.LastSyncAt,
		&c.LastError, &c.ConsecutiveFailures, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if adjType != nil {
		t := model.PriceAdjustmentType(*adjType)
		c.PriceAdjustmentType = &t
	}
	if adjValue.Valid {
		c.PriceAdjustmentValue = &adjValue.Decimal
	}
	return c, nil
}

// ─── CRUD ────────────────────────────────────────────────────

// Create inserts a connection and fills the generated fields.
func (r *ConnectionRepository) Create(ctx context.Context, c *model.ChannelConnection) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channel_connections (
			tenant_id, property_id, channel_type, remote_property_id, status,
			sync_direction, sync_enabled, sync_availability, sync_pricing,
			sync_bookings, price_adjustment_type, price_adjustment_value,
			access_token, refresh_token, token_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`, c.TenantID, c.PropertyID, c.ChannelType, c.RemotePropertyID, c.Status,
		c.SyncDirection, c.SyncEnabled, c.SyncAvailability, c.SyncPricing,
		c.SyncBookings, c.PriceAdjustmentType, c.PriceAdjustmentValue,
		c.AccessToken, c.RefreshToken, c.TokenExpiresAt,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create connection %s/%s: %w", c.ChannelType, c.RemotePropertyID, err)
	}
	return nil
}

// GetByID returns one connection, credentials included, or ErrNotFound.
func (r *ConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ChannelConnection, error) {
	conn, err := scanConnection(r.pool.QueryRow(ctx, `
		SELECT`+connectionColumns+` FROM channel_connections WHERE id = $1
	`, id))
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, notFound(err))
	}
	return conn, nil
}

// ListByProperty returns every connection of a property, in creation order.
func (r *ConnectionRepository) ListByProperty(ctx context.Context, propertyID uuid.UUID) ([]*model.ChannelConnection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+connectionColumns+`
		FROM channel_connections
		WHERE property_id = $1
		ORDER BY created_at
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list connections for %s: %w", propertyID, err)
	}
	return collectConnections(rows)
}

// ListActive returns active, sync-enabled connections. An empty channel
// means all channels. Used by the poll and reconciliation crons.
func (r *ConnectionRepository) ListActive(ctx context.Context, channel model.ChannelType) ([]*model.ChannelConnection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+connectionColumns+`
		FROM channel_connections
		WHERE status = 'active'
		  AND sync_enabled = TRUE
		  AND ($1 = '' OR channel_type = $1)
		ORDER BY created_at
	`, string(channel))
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	return collectConnections(rows)
}

func collectConnections(rows pgx.Rows) ([]*model.ChannelConnection, error) {
	defer rows.Close()
	var conns []*model.ChannelConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// UpdateSettings overwrites the operator-editable fields of a connection.
func (r *ConnectionRepository) UpdateSettings(ctx context.Context, c *model.ChannelConnection) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE channel_connections
		SET status = $2, sync_direction = $3, sync_enabled = $4,
		    sync_availability = $5, sync_pricing = $6, sync_bookings = $7,
		    price_adjustment_type = $8, price_adjustment_value = $9,
		    updated_at = now()
		WHERE id = $1
	`, c.ID, c.Status, c.SyncDirection, c.SyncEnabled,
		c.SyncAvailability, c.SyncPricing, c.SyncBookings,
		c.PriceAdjustmentType, c.PriceAdjustmentValue)
	if err != nil {
		return fmt.Errorf("update connection %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update connection %s: %w", c.ID, ErrNotFound)
	}
	r.invalidate(ctx, c.ChannelType, c.RemotePropertyID)
	return nil
}

// UpdateTokens stores a refreshed credential set and reactivates a
// connection that was parked in 'expired'.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	var channel model.ChannelType
	var remote string
	err := r.pool.QueryRow(ctx, `
		UPDATE channel_connections
		SET access_token = $2,
		    refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
		    token_expires_at = $4,
		    status = CASE WHEN status = 'expired' THEN 'active' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		RETURNING channel_type, remote_property_id
	`, id, accessToken, refreshToken, expiresAt).Scan(&channel, &remote)
	if err != nil {
		return fmt.Errorf("update tokens for %s: %w", id, notFound(err))
	}
	r.invalidate(ctx, channel, remote)
	return nil
}

// ListExpiringTokens returns connections whose access token expires within
// the window and that carry a refresh token to renew it with.
func (r *ConnectionRepository) ListExpiringTokens(ctx context.Context, within time.Duration) ([]*model.ChannelConnection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+connectionColumns+`
		FROM channel_connections
		WHERE refresh_token <> ''
		  AND token_expires_at IS NOT NULL
		  AND token_expires_at <= now() + $1
		  AND status IN ('active', 'expired')
		ORDER BY token_expires_at
	`, within)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	return collectConnections(rows)
}

// MarkTokenExpired parks a connection whose credentials can no longer be
// refreshed. The operator must reconnect the channel to reactivate it.
func (r *ConnectionRepository) MarkTokenExpired(ctx context.Context, id uuid.UUID) error {
	var channel model.ChannelType
	var remote string
	err := r.pool.QueryRow(ctx, `
		UPDATE channel_connections
		SET status = 'expired', updated_at = now()
		WHERE id = $1
		RETURNING channel_type, remote_property_id
	`, id).Scan(&channel, &remote)
	if err != nil {
		return fmt.Errorf("mark token expired for %s: %w", id, notFound(err))
	}
	r.invalidate(ctx, channel, remote)
	return nil
}

// ─── Sync health ─────────────────────────────────────────────

// RecordSyncSuccess stamps last_sync_at and clears the failure streak.
func (r *ConnectionRepository) RecordSyncSuccess(ctx context.Context, id uuid.UUID) error {
	var channel model.ChannelType
	var remote string
	err := r.pool.QueryRow(ctx, `
		UPDATE channel_connections
		SET last_sync_at = now(), consecutive_failures = 0, last_error = NULL, updated_at = now()
		WHERE id = $1
		RETURNING channel_type, remote_property_id
	`, id).Scan(&channel, &remote)
	if err != nil {
		return fmt.Errorf("record sync success for %s: %w", id, notFound(err))
	}
	r.invalidate(ctx, channel, remote)
	return nil
}

// RecordSyncFailure increments the failure streak and stores the error.
// Once the streak reaches pauseAfter the connection is parked in 'error'
// so the crons stop hammering a broken channel. Returns the new streak.
func (r *ConnectionRepository) RecordSyncFailure(ctx context.Context, id uuid.UUID, message string, pauseAfter int) (int, error) {
	var (
		channel  model.ChannelType
		remote   string
		failures int
	)
	err := r.pool.QueryRow(ctx, `
		UPDATE channel_connections
		SET consecutive_failures = consecutive_failures + 1,
		    last_error = $2,
		    status = CASE
		        WHEN consecutive_failures + 1 >= $3 AND status = 'active' THEN 'error'
		        ELSE status
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING channel_type, remote_property_id, consecutive_failures
	`, id, truncateError(message), pauseAfter).Scan(&channel, &remote, &failures)
	if err != nil {
		return 0, fmt.Errorf("record sync failure for %s: %w", id, notFound(err))
	}
	r.invalidate(ctx, channel, remote)
	return failures, nil
}

// truncateError keeps stored error messages bounded.
func truncateError(msg string) string {
	const max = 512
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
