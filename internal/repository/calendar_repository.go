package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// CalendarRepository manages the per-day availability grid.
type CalendarRepository struct {
	pool *pgxpool.Pool
}

// NewCalendarRepository creates a new calendar repository.
func NewCalendarRepository(pool *pgxpool.Pool) *CalendarRepository {
	return &CalendarRepository{pool: pool}
}

// GetRange returns the calendar rows of a property for [from, to), date
// ascending. Days without a row are implicitly available at the property's
// base price.
func (r *CalendarRepository) GetRange(ctx context.Context, propertyID uuid.UUID, from, to time.Time) ([]model.CalendarDay, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, property_id, date, available, availability_status,
		       price_override, min_stay, max_stay, booking_id, updated_at
		FROM calendar_availability
		WHERE property_id = $1 AND date >= $2 AND date < $3
		ORDER BY date
	`, propertyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("get calendar %s: %w", propertyID, err)
	}
	defer rows.Close()

	var days []model.CalendarDay
	for rows.Next() {
		var (
			d         model.CalendarDay
			override  decimal.NullDecimal
			bookingID uuid.NullUUID
		)
		if err := rows.Scan(
			&d.ID, &d.PropertyID, &d.Date, &d.Available, &d.Status,
			&override, &d.MinStay, &d.MaxStay, &bookingID, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan calendar day: %w", err)
		}
		if override.Valid {
			d.PriceOverride = &override.Decimal
		}
		if bookingID.Valid {
			d.BookingID = &bookingID.UUID
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// DayUpdate is one operator edit to a calendar cell.
type DayUpdate struct {
	Date          time.Time
	Available     bool
	PriceOverride *decimal.Decimal
	MinStay       *int
	MaxStay       *int
}

// UpsertDays applies operator edits in a single batch round-trip. Days held
// by a booking are skipped: a manual unblock must not silently free booked
// nights. Returns how many days were actually written.
func (r *CalendarRepository) UpsertDays(ctx context.Context, propertyID uuid.UUID, updates []DayUpdate) (int, error) {
	batch := &pgx.Batch{}
	for _, u := range updates {
		status := model.DayAvailable
		if !u.Available {
			status = model.DayBlocked
		}
		batch.Queue(`
			INSERT INTO calendar_availability (
				property_id, date, available, availability_status,
				price_override, min_stay, max_stay
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (property_id, date) DO UPDATE
			SET available = $3, availability_status = $4, price_override = $5,
			    min_stay = $6, max_stay = $7, updated_at = now()
			WHERE calendar_availability.booking_id IS NULL
		`, propertyID, u.Date, u.Available, status, u.PriceOverride, u.MinStay, u.MaxStay)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	applied := 0
	for range updates {
		tag, err := results.Exec()
		if err != nil {
			return applied, fmt.Errorf("upsert calendar %s: %w", propertyID, err)
		}
		applied += int(tag.RowsAffected())
	}
	return applied, results.Close()
}
