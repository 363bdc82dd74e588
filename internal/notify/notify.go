// Package notify is the outbound-notification seam. The channel manager
// decides WHEN a guest hears from us; delivery belongs to the mail
// platform behind the Mailer interface. The shipped implementation only
// logs, which is also what the worker runs with until a real sender is
// configured.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// Mailer sends guest-facing notifications.
type Mailer interface {
	BookingConfirmed(ctx context.Context, booking *model.Booking, guest *model.Guest, property *model.Property) error
	BookingCancelled(ctx context.Context, booking *model.Booking, guest *model.Guest, property *model.Property) error
	GuestInvited(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LogMailer writes every notification to the log instead of sending it.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) BookingConfirmed(ctx context.Context, booking *model.Booking, guest *model.Guest, property *model.Property) error {
	m.logger.Info("mail: booking confirmation",
		zap.String("to", guest.Email),
		zap.String("booking_reference", booking.BookingReference),
		zap.String("property", property.Name),
		zap.String("check_in", booking.CheckIn.Format("2006-01-02")),
		zap.String("check_out", booking.CheckOut.Format("2006-01-02")),
		zap.String("total", booking.TotalPrice.StringFixed(2)+" "+booking.Currency),
	)
	return nil
}

func (m *LogMailer) BookingCancelled(ctx context.Context, booking *model.Booking, guest *model.Guest, property *model.Property) error {
	refund := "none"
	if booking.RefundAmount != nil {
		refund = booking.RefundAmount.StringFixed(2) + " " + booking.Currency
	}
	m.logger.Info("mail: booking cancellation",
		zap.String("to", guest.Email),
		zap.String("booking_reference", booking.BookingReference),
		zap.String("property", property.Name),
		zap.String("refund", refund),
	)
	return nil
}

func (m *LogMailer) GuestInvited(ctx context.Context, email, token string, expiresAt time.Time) error {
	// The token is the guest's credential; log its presence, not its value.
	m.logger.Info("mail: guest invitation",
		zap.String("to", email),
		zap.Int("token_length", len(token)),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}
