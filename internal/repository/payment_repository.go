package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// PaymentRepository records the money trail: one row per charge or refund.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// CreateTransaction inserts one payment transaction row. The processor ids
// identify which intent/charge/refund the row mirrors.
func (r *PaymentRepository) CreateTransaction(ctx context.Context, txn *model.PaymentTransaction) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	err := r.pool.QueryRow(ctx, `
		INSERT INTO payment_transactions (
			booking_id, type, status, amount, currency,
			stripe_payment_intent_id, stripe_charge_id, stripe_refund_id, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		txn.BookingID, txn.Type, txn.Status, txn.Amount, txn.Currency,
		txn.PaymentIntentID, txn.ChargeID, txn.RefundID, txn.ErrorMessage,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("create payment transaction: %w", err)
	}
	return nil
}

// ListByBooking returns the transactions for one booking, oldest first.
func (r *PaymentRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]model.PaymentTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultBookingTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, booking_id, type, status, amount, currency,
		       stripe_payment_intent_id, stripe_charge_id, stripe_refund_id,
		       error_message, created_at
		FROM payment_transactions
		WHERE booking_id = $1
		ORDER BY created_at`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.PaymentTransaction
	for rows.Next() {
		var txn model.PaymentTransaction
		err := rows.Scan(
			&txn.ID, &txn.BookingID, &txn.Type, &txn.Status, &txn.Amount, &txn.Currency,
			&txn.PaymentIntentID, &txn.ChargeID, &txn.RefundID,
			&txn.ErrorMessage, &txn.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
