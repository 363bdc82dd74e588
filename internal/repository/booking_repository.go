// Package repository provides database access for the channel manager.
//
// BookingRepository handles transactional reservation operations with
// pessimistic locking (SELECT ... FOR UPDATE) to prevent double-booking.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// Sentinel errors the service and handler layers branch on.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDatesUnavailable is returned when a reservation overlaps an
	// existing booking or a blocked calendar day.
	ErrDatesUnavailable = errors.New("repository: dates unavailable")
	// ErrInvalidStatus is returned when a booking is not in a state that
	// permits the requested transition.
	ErrInvalidStatus = errors.New("repository: invalid status transition")
)

// notFound maps pgx.ErrNoRows onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// DefaultBookingTimeout is the maximum duration for a complete reservation
// transaction, including lock wait time.
const DefaultBookingTimeout = 5 * time.Second

// BookingRepository handles transactional bookings with row-level locking.
type BookingRepository struct {
	pool *pgxpool.Pool
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// ReservationInput carries everything needed to persist a booking. The
// service layer computes the price breakdown before calling the repository.
type ReservationInput struct {
	TenantID         uuid.UUID
	PropertyID       uuid.UUID
	GuestID          uuid.UUID
	Source           string
	ChannelBookingID *string
	Status           model.BookingStatus
	PaymentStatus    model.PaymentStatus
	CheckIn          time.Time
	CheckOut         time.Time
	GuestsCount      int
	NightlyRate      decimal.Decimal
	Subtotal         decimal.Decimal
	CleaningFee      decimal.Decimal
	ServiceFee       decimal.Decimal
	Taxes            decimal.Decimal
	TotalPrice       decimal.Decimal
	Currency         string
	SpecialRequests  string
	ExpiresAt        *time.Time

	// Reference, when set, is a pre-allocated booking reference (the direct
	// flow allocates one before creating the payment intent so the reference
	// can ride in the intent metadata). Empty means allocate inside the
	// reservation transaction.
	Reference string
	// PaymentIntentID is set by the direct flow; channel imports have none.
	PaymentIntentID *string
}

// ─── Scanning ────────────────────────────────────────────────

const bookingColumns = `
	id, tenant_id, property_id, guest_id, booking_reference, source,
	channel_booking_id, status, payment_status, check_in, check_out,
	guests_count, nightly_rate, subtotal, cleaning_fee, service_fee,
	taxes, total_price, currency, payment_intent_id, paid_amount,
	refund_amount, special_requests, cancellation_reason, cancelled_by,
	cancelled_at, confirmed_at, expires_at, created_at, updated_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	b := &model.Booking{}
	var paid, refund decimal.NullDecimal
	err := row.Scan(
		&b.ID, &b.TenantID, &b.PropertyID, &b.GuestID, &b.BookingReference, &b.Source,
		&b.ChannelBookingID, &b.Status, &b.PaymentStatus, &b.CheckIn, &b.CheckOut,
		&b.GuestsCount, &b.NightlyRate, &b.Subtotal, &b.CleaningFee, &b.ServiceFee,
		&b.Taxes, &b.TotalPrice, &b.Currency, &b.PaymentIntentID, &paid,
		&refund, &b.SpecialRequests, &b.CancellationReason, &b.CancelledBy,
		&b.CancelledAt, &b.ConfirmedAt, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if paid.Valid {
		b.PaidAmount = &paid.Decimal
	}
	if refund.Valid {
		b.RefundAmount = &refund.Decimal
	}
	return b, nil
}

// ─── The Core Transactional Reservation ─────────────────────

// CreateReservation persists a booking in a single serialized transaction.
//
// Concurrency strategy: PESSIMISTIC LOCKING
//
//	Scenario: Two guests try to reserve the last free night at the exact
//	same millisecond.
//
//	Timeline:
//	  T1: BEGIN → SELECT property FOR UPDATE → (property row LOCKED)
//	  T2: BEGIN → SELECT property FOR UPDATE → (BLOCKS, waiting for T1's lock)
//	  T1: dates OK → INSERT booking → claim calendar days → COMMIT → (lock released)
//	  T2: (unblocked) → re-reads calendar → night TAKEN → ROLLBACK → ErrDatesUnavailable
//
// The SELECT ... FOR UPDATE on the property row ensures only ONE transaction
// can check-and-claim the calendar at a time. The second transaction will
// BLOCK until the first commits or rolls back, then re-read the updated rows.
//
// Timeout handling:
//   - The transaction carries a 5-second deadline, including lock wait.
//   - If the lock wait exceeds this, pgx returns context.DeadlineExceeded,
//     which the service layer translates to a retryable error.
func (r *BookingRepository) CreateReservation(ctx context.Context, in ReservationInput) (*model.Booking, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("reserve: begin tx: %w", err)
	}
	// Defer rollback; no-op if tx was already committed.
	defer tx.Rollback(ctx)

	// ── Step 1: LOCK the property row ───────────────────
	// Serializes all reservations for this property. Concurrent
	// transactions hitting the same property BLOCK here.
	var propStatus string
	err = tx.QueryRow(txCtx, `
		SELECT status FROM properties WHERE id = $1 FOR UPDATE
	`, in.PropertyID).Scan(&propStatus)
	if err != nil {
		return nil, fmt.Errorf("reserve: lock property %s: %w", in.PropertyID, notFound(err))
	}
	if propStatus != "active" {
		return nil, fmt.Errorf("reserve: property %s is '%s', not bookable", in.PropertyID, propStatus)
	}

	// ── Step 2: Check for overlapping bookings ──────────
	// Two stays overlap when each starts before the other ends. Checkout
	// day does not collide with a same-day check-in.
	var conflicts int
	err = tx.QueryRow(txCtx, `
		SELECT COUNT(*)::int
		FROM bookings
		WHERE property_id = $1
		  AND status IN ('reserved', 'confirmed', 'checked_in')
		  AND check_in < $3
		  AND check_out > $2
	`, in.PropertyID, in.CheckIn, in.CheckOut).Scan(&conflicts)
	if err != nil {
		return nil, fmt.Errorf("reserve: check overlap: %w", err)
	}
	if conflicts > 0 {
		return nil, fmt.Errorf("reserve: property %s %s to %s: %w",
			in.PropertyID, in.CheckIn.Format("2006-01-02"), in.CheckOut.Format("2006-01-02"), ErrDatesUnavailable)
	}

	// ── Step 3: Allocate the booking reference ──────────
	ref := in.Reference
	if ref == "" {
		ref, err = nextReference(txCtx, tx, time.Now().UTC().Year())
		if err != nil {
			return nil, err
		}
	}

	// ── Step 4: INSERT the booking ──────────────────────
	booking, err := scanBooking(tx.QueryRow(txCtx, `
		INSERT INTO bookings (
			tenant_id, property_id, guest_id, booking_reference, source,
			channel_booking_id, status, payment_status, check_in, check_out,
			guests_count, nightly_rate, subtotal, cleaning_fee, service_fee,
			taxes, total_price, currency, special_requests, expires_at,
			payment_intent_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING`+bookingColumns,
		in.TenantID, in.PropertyID, in.GuestID, ref, in.Source,
		in.ChannelBookingID, in.Status, in.PaymentStatus, in.CheckIn, in.CheckOut,
		in.GuestsCount, in.NightlyRate, in.Subtotal, in.CleaningFee, in.ServiceFee,
		in.Taxes, in.TotalPrice, in.Currency, in.SpecialRequests, in.ExpiresAt,
		in.PaymentIntentID,
	))
	if err != nil {
		return nil, fmt.Errorf("reserve: insert booking: %w", err)
	}

	// ── Step 5: Claim the calendar days ──────────────────
	// The per-day guard is the final defence: a day that went unavailable
	// between Step 2 and here fails the claim and rolls everything back.
	dayStatus := model.DayBooked
	if in.Status == model.BookingReserved {
		dayStatus = model.DayTentative
	}
	if err := claimCalendar(txCtx, tx, in.PropertyID, booking.ID, in.CheckIn, in.CheckOut, dayStatus, false); err != nil {
		return nil, err
	}

	// ── Step 6: COMMIT ──────────────────────────────────
	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("reserve: commit: %w", err)
	}
	return booking, nil
}

// nextReference increments the per-year counter and formats a reference
// like PMS-2026-000042. The increment rolls back with the transaction, so
// failed reservations do not burn numbers.
func nextReference(ctx context.Context, tx pgx.Tx, year int) (string, error) {
	var counter int64
	err := tx.QueryRow(ctx, `
		INSERT INTO booking_reference_counters (year, counter)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE
		SET counter = booking_reference_counters.counter + 1
		RETURNING counter
	`, year).Scan(&counter)
	if err != nil {
		return "", fmt.Errorf("reserve: next reference for %d: %w", year, err)
	}
	return fmt.Sprintf("PMS-%d-%06d", year, counter), nil
}

// AllocateReference hands out a booking reference outside any reservation
// transaction. The direct booking flow calls this before talking to the
// payment processor; a reservation that later fails leaves a gap in the
// sequence, which is harmless.
func (r *BookingRepository) AllocateReference(ctx context.Context, year int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	var counter int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO booking_reference_counters (year, counter)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE
		SET counter = booking_reference_counters.counter + 1
		RETURNING counter
	`, year).Scan(&counter)
	if err != nil {
		return "", fmt.Errorf("allocate reference for %d: %w", year, err)
	}
	return fmt.Sprintf("PMS-%d-%06d", year, counter), nil
}

const (
	claimDayGuarded = `
		INSERT INTO calendar_availability (property_id, date, available, availability_status, booking_id)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (property_id, date) DO UPDATE
		SET available = FALSE, availability_status = $3, booking_id = $4, updated_at = now()
		WHERE calendar_availability.available = TRUE`

	claimDayForced = `
		INSERT INTO calendar_availability (property_id, date, available, availability_status, booking_id)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (property_id, date) DO UPDATE
		SET available = FALSE, availability_status = $3, booking_id = $4, updated_at = now()`
)

// claimCalendar marks every night of the stay unavailable. With force false
// the upsert refuses to overwrite a day that is already taken and the claim
// fails with ErrDatesUnavailable. Imported channel bookings claim with force
// true: the channel already accepted the stay, so the calendar must follow
// even if that surfaces an overbooking.
func claimCalendar(ctx context.Context, tx pgx.Tx, propertyID, bookingID uuid.UUID, checkIn, checkOut time.Time, status model.AvailabilityStatus, force bool) error {
	query := claimDayGuarded
	if force {
		query = claimDayForced
	}
	for d := checkIn; d.Before(checkOut); d = d.AddDate(0, 0, 1) {
		tag, err := tx.Exec(ctx, query, propertyID, d, status, bookingID)
		if err != nil {
			return fmt.Errorf("reserve: claim %s: %w", d.Format("2006-01-02"), err)
		}
		if !force && tag.RowsAffected() == 0 {
			return fmt.Errorf("reserve: %s already taken: %w", d.Format("2006-01-02"), ErrDatesUnavailable)
		}
	}
	return nil
}

// releaseCalendar reopens every night held by a booking.
func releaseCalendar(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE calendar_availability
		SET available = TRUE, availability_status = 'available', booking_id = NULL, updated_at = now()
		WHERE booking_id = $1
	`, bookingID)
	if err != nil {
		return fmt.Errorf("release calendar for booking %s: %w", bookingID, err)
	}
	return nil
}

// ─── Confirm ─────────────────────────────────────────────────

// ConfirmBooking transitions a reserved booking to confirmed after payment.
// Re-confirming an already confirmed booking is a no-op returning the
// current row, so payment webhook retries stay idempotent.
func (r *BookingRepository) ConfirmBooking(ctx context.Context, id uuid.UUID, paymentIntentID string, paidAmount decimal.Decimal) (*model.Booking, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("confirm: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.BookingStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM bookings WHERE id = $1 FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		return nil, fmt.Errorf("confirm: lock booking %s: %w", id, notFound(err))
	}

	if status == model.BookingConfirmed {
		booking, err := scanBooking(tx.QueryRow(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE id = $1`, id))
		if err != nil {
			return nil, fmt.Errorf("confirm: reread booking %s: %w", id, err)
		}
		return booking, tx.Commit(ctx)
	}
	if status != model.BookingReserved {
		return nil, fmt.Errorf("confirm: booking %s is '%s': %w", id, status, ErrInvalidStatus)
	}

	booking, err := scanBooking(tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'confirmed',
		    payment_status = 'paid',
		    payment_intent_id = COALESCE(NULLIF($2, ''), payment_intent_id),
		    paid_amount = $3,
		    confirmed_at = now(),
		    expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING`+bookingColumns, id, paymentIntentID, paidAmount))
	if err != nil {
		return nil, fmt.Errorf("confirm: update booking %s: %w", id, err)
	}

	// The nights were tentative while payment was pending.
	_, err = tx.Exec(ctx, `
		UPDATE calendar_availability
		SET availability_status = 'booked', updated_at = now()
		WHERE booking_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("confirm: update calendar: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("confirm: commit: %w", err)
	}
	return booking, nil
}

// ─── Cancel ──────────────────────────────────────────────────

// CancelBooking cancels a booking and reopens its calendar nights.
//
// State transitions:
//   - INQUIRY, RESERVED, CONFIRMED → CANCELLED: status update plus calendar release.
//   - CANCELLED: No-op returning the current row (webhook replays).
//   - CHECKED_IN, CHECKED_OUT, NO_SHOW, DECLINED: Not cancellable (terminal states).
//
// Concurrency: same as CreateReservation, SELECT ... FOR UPDATE on the booking.
func (r *BookingRepository) CancelBooking(ctx context.Context, id uuid.UUID, reason, cancelledBy string, refundAmount *decimal.Decimal) (*model.Booking, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("cancel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status        model.BookingStatus
		paymentStatus model.PaymentStatus
	)
	err = tx.QueryRow(txCtx, `
		SELECT status, payment_status FROM bookings WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &paymentStatus)
	if err != nil {
		return nil, fmt.Errorf("cancel: lock booking %s: %w", id, notFound(err))
	}

	switch status {
	case model.BookingCancelled:
		booking, err := scanBooking(tx.QueryRow(txCtx, `SELECT`+bookingColumns+` FROM bookings WHERE id = $1`, id))
		if err != nil {
			return nil, fmt.Errorf("cancel: reread booking %s: %w", id, err)
		}
		return booking, tx.Commit(txCtx)
	case model.BookingInquiry, model.BookingReserved, model.BookingConfirmed:
		// OK to cancel
	default:
		return nil, fmt.Errorf("cancel: booking %s is '%s': %w", id, status, ErrInvalidStatus)
	}

	newPaymentStatus := paymentStatus
	if refundAmount != nil && refundAmount.IsPositive() {
		newPaymentStatus = model.PaymentRefunded
	}

	booking, err := scanBooking(tx.QueryRow(txCtx, `
		UPDATE bookings
		SET status = 'cancelled',
		    payment_status = $2,
		    cancellation_reason = $3,
		    cancelled_by = $4,
		    refund_amount = $5,
		    cancelled_at = now(),
		    expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING`+bookingColumns, id, newPaymentStatus, reason, cancelledBy, refundAmount))
	if err != nil {
		return nil, fmt.Errorf("cancel: update booking %s: %w", id, err)
	}

	if err := releaseCalendar(txCtx, tx, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("cancel: commit: %w", err)
	}
	return booking, nil
}

// ─── Expiry ──────────────────────────────────────────────────

// ExpireBooking cancels a reserved booking whose payment window has elapsed.
// Returns (nil, nil) when there is nothing to do: the booking was confirmed,
// already cancelled, or the deadline has not passed yet.
func (r *BookingRepository) ExpireBooking(ctx context.Context, id uuid.UUID, now time.Time) (*model.Booking, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("expire: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status    model.BookingStatus
		expiresAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT status, expires_at FROM bookings WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("expire: lock booking %s: %w", id, notFound(err))
	}

	if status != model.BookingReserved || expiresAt == nil || expiresAt.After(now) {
		return nil, nil
	}

	booking, err := scanBooking(tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
		    cancellation_reason = 'payment not completed in time',
		    cancelled_by = 'system',
		    cancelled_at = now(),
		    expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING`+bookingColumns, id))
	if err != nil {
		return nil, fmt.Errorf("expire: update booking %s: %w", id, err)
	}

	if err := releaseCalendar(ctx, tx, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("expire: commit: %w", err)
	}
	return booking, nil
}

// ListExpiredReserved returns ids of reserved bookings whose payment window
// elapsed. The nightly reconciliation sweeps these in case the delayed expiry
// task was lost.
func (r *BookingRepository) ListExpiredReserved(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM bookings
		WHERE status = 'reserved' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list expired: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Channel Import ──────────────────────────────────────────

// UpsertFromChannel inserts or updates a booking imported from a channel,
// keyed by (source, channel_booking_id). Returns the stored booking and
// whether it was newly created.
//
// Calendar handling follows the channel's authority: active stays claim
// their nights with force (the channel already accepted the booking, so an
// overlap here is an overbooking to surface, not a reason to reject), and
// terminal stays only release.
func (r *BookingRepository) UpsertFromChannel(ctx context.Context, in ReservationInput) (*model.Booking, bool, error) {
	if in.ChannelBookingID == nil || *in.ChannelBookingID == "" {
		return nil, false, fmt.Errorf("import: missing channel booking id")
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("import: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanBooking(tx.QueryRow(txCtx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE source = $1 AND channel_booking_id = $2
		FOR UPDATE
	`, in.Source, *in.ChannelBookingID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("import: lock booking %s/%s: %w", in.Source, *in.ChannelBookingID, err)
	}

	terminal := isTerminal(in.Status)

	var booking *model.Booking
	created := existing == nil

	if created {
		ref, refErr := nextReference(txCtx, tx, time.Now().UTC().Year())
		if refErr != nil {
			return nil, false, refErr
		}
		booking, err = scanBooking(tx.QueryRow(txCtx, `
			INSERT INTO bookings (
				tenant_id, property_id, guest_id, booking_reference, source,
				channel_booking_id, status, payment_status, check_in, check_out,
				guests_count, nightly_rate, subtotal, cleaning_fee, service_fee,
				taxes, total_price, currency, special_requests
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			          $11, $12, $13, $14, $15, $16, $17, $18, $19)
			RETURNING`+bookingColumns,
			in.TenantID, in.PropertyID, in.GuestID, ref, in.Source,
			in.ChannelBookingID, in.Status, in.PaymentStatus, in.CheckIn, in.CheckOut,
			in.GuestsCount, in.NightlyRate, in.Subtotal, in.CleaningFee, in.ServiceFee,
			in.Taxes, in.TotalPrice, in.Currency, in.SpecialRequests,
		))
		if err != nil {
			return nil, false, fmt.Errorf("import: insert booking %s/%s: %w", in.Source, *in.ChannelBookingID, err)
		}
	} else {
		// First import wins on guest identity; everything the channel may
		// modify is overwritten.
		cancelledAt := existing.CancelledAt
		cancelledBy := existing.CancelledBy
		if terminal && !isTerminal(existing.Status) {
			now := time.Now().UTC()
			by := "channel"
			cancelledAt = &now
			cancelledBy = &by
		}
		booking, err = scanBooking(tx.QueryRow(txCtx, `
			UPDATE bookings
			SET status = $2, check_in = $3, check_out = $4, guests_count = $5,
			    nightly_rate = $6, subtotal = $7, total_price = $8, currency = $9,
			    special_requests = $10, cancelled_at = $11, cancelled_by = $12,
			    updated_at = now()
			WHERE id = $1
			RETURNING`+bookingColumns,
			existing.ID, in.Status, in.CheckIn, in.CheckOut, in.GuestsCount,
			in.NightlyRate, in.Subtotal, in.TotalPrice, in.Currency,
			in.SpecialRequests, cancelledAt, cancelledBy,
		))
		if err != nil {
			return nil, false, fmt.Errorf("import: update booking %s: %w", existing.ID, err)
		}
		// Dates may have moved; release before re-claiming.
		if err := releaseCalendar(txCtx, tx, existing.ID); err != nil {
			return nil, false, err
		}
	}

	// Inquiries hold no dates; only accepted stays claim their nights.
	if !terminal && in.Status != model.BookingInquiry {
		if err := claimCalendar(txCtx, tx, in.PropertyID, booking.ID, in.CheckIn, in.CheckOut, model.DayBooked, true); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, false, fmt.Errorf("import: commit: %w", err)
	}
	return booking, created, nil
}

func isTerminal(s model.BookingStatus) bool {
	switch s {
	case model.BookingCancelled, model.BookingDeclined, model.BookingNoShow:
		return true
	}
	return false
}

// ─── Reads ───────────────────────────────────────────────────

// GetByID returns one booking or ErrNotFound.
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	booking, err := scanBooking(r.pool.QueryRow(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, notFound(err))
	}
	return booking, nil
}

// GetByReference looks a booking up by its PMS reference.
func (r *BookingRepository) GetByReference(ctx context.Context, reference string) (*model.Booking, error) {
	booking, err := scanBooking(r.pool.QueryRow(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE booking_reference = $1`, reference))
	if err != nil {
		return nil, fmt.Errorf("get booking %q: %w", reference, notFound(err))
	}
	return booking, nil
}

// GetByChannelBookingID looks an imported booking up by its channel identity.
func (r *BookingRepository) GetByChannelBookingID(ctx context.Context, source, channelBookingID string) (*model.Booking, error) {
	booking, err := scanBooking(r.pool.QueryRow(ctx, `
		SELECT`+bookingColumns+` FROM bookings
		WHERE source = $1 AND channel_booking_id = $2
	`, source, channelBookingID))
	if err != nil {
		return nil, fmt.Errorf("get booking %s/%s: %w", source, channelBookingID, notFound(err))
	}
	return booking, nil
}

// GetByPaymentIntentID locates the booking a processor webhook refers to.
func (r *BookingRepository) GetByPaymentIntentID(ctx context.Context, intentID string) (*model.Booking, error) {
	booking, err := scanBooking(r.pool.QueryRow(ctx, `
		SELECT`+bookingColumns+` FROM bookings
		WHERE payment_intent_id = $1
	`, intentID))
	if err != nil {
		return nil, fmt.Errorf("get booking for intent %s: %w", intentID, notFound(err))
	}
	return booking, nil
}

// MarkPaymentFailed records a failed payment attempt. The booking itself
// stays reserved: the guest can retry until the reservation expires.
func (r *BookingRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET payment_status = 'failed', updated_at = now()
		WHERE id = $1 AND payment_status IN ('pending', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("mark payment failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark payment failed %s: %w", id, ErrInvalidStatus)
	}
	return nil
}

// MarkRefunded records a processor-side refund (e.g. issued from the Stripe
// dashboard) without touching the booking status.
func (r *BookingRepository) MarkRefunded(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET payment_status = 'refunded', refund_amount = $2, updated_at = now()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return fmt.Errorf("mark refunded %s: %w", id, err)
	}
	return nil
}

// ListByProperty returns bookings for a property, newest check-in first.
// Empty status means all statuses; nil bounds mean an open interval.
func (r *BookingRepository) ListByProperty(ctx context.Context, propertyID uuid.UUID, status model.BookingStatus, from, to *time.Time, limit, offset int) ([]*model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE property_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3::date IS NULL OR check_out > $3)
		  AND ($4::date IS NULL OR check_in < $4)
		ORDER BY check_in DESC
		LIMIT $5 OFFSET $6
	`, propertyID, string(status), from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bookings for %s: %w", propertyID, err)
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("list bookings: scan: %w", err)
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}
