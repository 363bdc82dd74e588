package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// GuestRepository handles guests and their invitations, deduplicated per
// tenant by email.
type GuestRepository struct {
	pool *pgxpool.Pool
}

// NewGuestRepository creates a new guest repository.
func NewGuestRepository(pool *pgxpool.Pool) *GuestRepository {
	return &GuestRepository{pool: pool}
}

const guestColumns = `
	id, tenant_id, email, first_name, last_name, phone, source,
	total_bookings, created_at, updated_at`

// UpsertByEmail returns the guest for (tenant, email), creating the row on
// first contact. Channels routinely send partial guest records, so names and
// phone only fill blanks and never overwrite known values.
func (r *GuestRepository) UpsertByEmail(ctx context.Context, tenantID uuid.UUID, email, firstName, lastName, phone, source string) (*model.Guest, error) {
	g := &model.Guest{}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO guests (tenant_id, email, first_name, last_name, phone, source)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		ON CONFLICT (tenant_id, email) DO UPDATE
		SET first_name = CASE WHEN guests.first_name = '' THEN EXCLUDED.first_name ELSE guests.first_name END,
		    last_name  = CASE WHEN guests.last_name  = '' THEN EXCLUDED.last_name  ELSE guests.last_name  END,
		    phone      = CASE WHEN guests.phone      = '' THEN EXCLUDED.phone      ELSE guests.phone      END,
		    updated_at = now()
		RETURNING`+guestColumns,
		tenantID, email, firstName, lastName, phone, source,
	).Scan(
		&g.ID, &g.TenantID, &g.Email, &g.FirstName, &g.LastName, &g.Phone, &g.Source,
		&g.TotalBookings, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert guest %q: %w", email, err)
	}
	return g, nil
}

// GetByID returns one guest or ErrNotFound.
func (r *GuestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Guest, error) {
	g := &model.Guest{}
	err := r.pool.QueryRow(ctx, `SELECT`+guestColumns+` FROM guests WHERE id = $1`, id).Scan(
		&g.ID, &g.TenantID, &g.Email, &g.FirstName, &g.LastName, &g.Phone, &g.Source,
		&g.TotalBookings, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get guest %s: %w", id, notFound(err))
	}
	return g, nil
}

// IncrementBookings bumps the lifetime booking counter.
func (r *GuestRepository) IncrementBookings(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE guests SET total_bookings = total_bookings + 1, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("increment bookings for guest %s: %w", id, err)
	}
	return nil
}

// ─── Invitations ─────────────────────────────────────────────

// CreateInvitation stores an invitation. Only the token hash is persisted;
// the plaintext token lives in the email and nowhere else.
func (r *GuestRepository) CreateInvitation(ctx context.Context, inv *model.GuestInvitation) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO guest_invitations (tenant_id, guest_id, booking_id, email, token_hash, status, expires_at)
		VALUES ($1, $2, $3, lower($4), $5, $6, $7)
		RETURNING id, created_at
	`, inv.TenantID, inv.GuestID, inv.BookingID, inv.Email, inv.TokenHash, inv.Status, inv.ExpiresAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create invitation for %q: %w", inv.Email, err)
	}
	return nil
}

// GetInvitationByTokenHash looks an invitation up by the hash of the
// presented token. Expiry is checked by the caller.
func (r *GuestRepository) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*model.GuestInvitation, error) {
	inv := &model.GuestInvitation{}
	var bookingID uuid.NullUUID
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, guest_id, booking_id, email, token_hash, status, expires_at, created_at
		FROM guest_invitations
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&inv.ID, &inv.TenantID, &inv.GuestID, &bookingID, &inv.Email,
		&inv.TokenHash, &inv.Status, &inv.ExpiresAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", notFound(err))
	}
	if bookingID.Valid {
		inv.BookingID = &bookingID.UUID
	}
	return inv, nil
}

// UpdateInvitationStatus moves an invitation through its lifecycle
// (pending → accepted | revoked | expired).
func (r *GuestRepository) UpdateInvitationStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE guest_invitations SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update invitation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update invitation %s: %w", id, ErrNotFound)
	}
	return nil
}
