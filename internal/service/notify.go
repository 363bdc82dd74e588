package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/notify"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/task"
)

// ─── Notification Handlers ──────────────────────────────────

// NotifyHandlers runs the notify.* queue tasks: load the booking's
// current state and hand it to the mailer. Loading at send time rather
// than enqueue time means a booking cancelled while the task sat in the
// queue is mailed with its final state.
type NotifyHandlers struct {
	bookings   *repository.BookingRepository
	guests     *repository.GuestRepository
	properties *repository.PropertyRepository
	mailer     notify.Mailer
	logger     *zap.Logger
}

func NewNotifyHandlers(
	bookings *repository.BookingRepository,
	guests *repository.GuestRepository,
	properties *repository.PropertyRepository,
	mailer notify.Mailer,
	logger *zap.Logger,
) *NotifyHandlers {
	return &NotifyHandlers{
		bookings:   bookings,
		guests:     guests,
		properties: properties,
		mailer:     mailer,
		logger:     logger,
	}
}

// HandleConfirmation sends the booking-confirmed mail.
func (h *NotifyHandlers) HandleConfirmation(ctx context.Context, t *task.Task) error {
	booking, guest, property, err := h.load(ctx, t, "notify.confirmation")
	if err != nil || booking == nil {
		return err
	}
	return h.mailer.BookingConfirmed(ctx, booking, guest, property)
}

// HandleCancellation sends the booking-cancelled mail.
func (h *NotifyHandlers) HandleCancellation(ctx context.Context, t *task.Task) error {
	booking, guest, property, err := h.load(ctx, t, "notify.cancellation")
	if err != nil || booking == nil {
		return err
	}
	return h.mailer.BookingCancelled(ctx, booking, guest, property)
}

// HandleInvitation sends the guest-portal invitation. The payload carries
// everything the mail needs; the plaintext token exists nowhere else.
func (h *NotifyHandlers) HandleInvitation(ctx context.Context, t *task.Task) error {
	var p InvitationTaskPayload
	if err := t.Decode(&p); err != nil {
		h.logger.Error("notify.invitation: bad payload", zap.Error(err))
		return nil
	}
	return h.mailer.GuestInvited(ctx, p.Email, p.Token, p.ExpiresAt)
}

// load resolves the booking task payload to its row set. A nil booking
// with nil error means the referenced booking is gone and the task should
// be dropped rather than retried.
func (h *NotifyHandlers) load(ctx context.Context, t *task.Task, kind string) (*model.Booking, *model.Guest, *model.Property, error) {
	var p BookingTaskPayload
	if err := t.Decode(&p); err != nil {
		h.logger.Error(kind+": bad payload", zap.Error(err))
		return nil, nil, nil, nil
	}
	booking, err := h.bookings.GetByID(ctx, p.BookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn(kind+": booking gone", zap.String("booking_id", p.BookingID.String()))
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	guest, err := h.guests.GetByID(ctx, booking.GuestID)
	if err != nil {
		return nil, nil, nil, err
	}
	property, err := h.properties.GetByID(ctx, booking.PropertyID)
	if err != nil {
		return nil, nil, nil, err
	}
	return booking, guest, property, nil
}
