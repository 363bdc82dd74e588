// Package service implements the channel manager's business logic: the
// direct-booking reservation flow, price computation, outbound channel
// sync, inbound booking imports, polling and reconciliation. Services
// coordinate repositories, channel adapters, the payment processor and
// the task broker; they own no SQL and no wire formats.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/events"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/payment"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/task"
	"github.com/ferienwerk/channelmanager/pkg/lock"
)

// ─── Reservation Errors ─────────────────────────────────────

var (
	// ErrPropertyNotBookable is returned when the property exists but is
	// not accepting reservations.
	ErrPropertyNotBookable = errors.New("property is not accepting bookings")

	// ErrStayViolation is returned when the stay breaks the property's
	// min/max stay or guest count rules.
	ErrStayViolation = errors.New("stay violates property rules")

	// ErrIntentMismatch is returned when a confirmation names a payment
	// intent that does not belong to the booking.
	ErrIntentMismatch = errors.New("payment intent does not match booking")

	// ErrPaymentIncomplete is returned when confirmation is attempted
	// before the processor reports the payment as succeeded.
	ErrPaymentIncomplete = errors.New("payment has not succeeded")
)

// ─── Tunables ───────────────────────────────────────────────

const (
	// bookingLockLease bounds how long a crashed request can hold the
	// date-range lock; bookingLockWait is the acquisition deadline.
	bookingLockLease = 60 * time.Second
	bookingLockWait  = 5 * time.Second

	// reservationTTL is how long a reserved booking waits for payment.
	reservationTTL = 30 * time.Minute

	// invitationTTL is the guest invitation validity window.
	invitationTTL = 7 * 24 * time.Hour
)

// ─── Payloads ───────────────────────────────────────────────

// BookingEventPayload rides on booking.* events published to pms:events.
type BookingEventPayload struct {
	BookingID  uuid.UUID `json:"booking_id"`
	PropertyID uuid.UUID `json:"property_id"`
	Source     string    `json:"source"`
	CheckIn    string    `json:"check_in"`
	CheckOut   string    `json:"check_out"`
	Reason     string    `json:"reason,omitempty"`
}

// BookingTaskPayload is the payload of booking.expire and notify.* tasks.
type BookingTaskPayload struct {
	BookingID uuid.UUID `json:"booking_id"`
}

// InvitationTaskPayload carries the plaintext token to the mailer; the
// database only ever sees the hash.
type InvitationTaskPayload struct {
	GuestID   uuid.UUID `json:"guest_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ─── ReservationService ─────────────────────────────────────

// ReservationService runs the direct-booking transactional core.
//
// Concurrency model, outside-in:
//  1. A Redis lock on booking:lock:<property>:<check_in>:<check_out>
//     keeps concurrent requests for the same stay from both paying.
//  2. The reservation transaction locks the property row (SELECT ...
//     FOR UPDATE), so even lock-less writers serialize.
//  3. The UNIQUE(property_id, date) calendar upsert is the final guard.
//
// The payment intent is created before the booking row; any insert
// failure cancels the intent so no orphaned holds accumulate.
type ReservationService struct {
	bookings   *repository.BookingRepository
	guests     *repository.GuestRepository
	properties *repository.PropertyRepository
	calendar   *repository.CalendarRepository
	payments   *repository.PaymentRepository
	processor  *payment.Client
	locker     *lock.Locker
	queue      *task.Queue
	events     *events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewReservationService(
	bookings *repository.BookingRepository,
	guests *repository.GuestRepository,
	properties *repository.PropertyRepository,
	calendar *repository.CalendarRepository,
	payments *repository.PaymentRepository,
	processor *payment.Client,
	locker *lock.Locker,
	queue *task.Queue,
	publisher *events.Publisher,
	logger *zap.Logger,
) *ReservationService {
	return &ReservationService{
		bookings:   bookings,
		guests:     guests,
		properties: properties,
		calendar:   calendar,
		payments:   payments,
		processor:  processor,
		locker:     locker,
		queue:      queue,
		events:     publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateBookingInput is the direct-booking request after HTTP decoding.
type CreateBookingInput struct {
	PropertyID      uuid.UUID
	CheckIn         time.Time
	CheckOut        time.Time
	GuestsCount     int
	GuestEmail      string
	GuestFirstName  string
	GuestLastName   string
	GuestPhone      string
	SpecialRequests string
}

// ReservationResult is what the booking endpoint returns: the reserved
// booking plus the client secret the frontend needs to collect payment.
type ReservationResult struct {
	Booking      *model.Booking
	ClientSecret string
}

// AvailabilityResult answers a check-availability request.
type AvailabilityResult struct {
	Available bool   `json:"available"`
	Quote     *Quote `json:"quote,omitempty"`
}

// CreateBooking reserves a stay and opens a payment intent.
//
// Flow:
//  1. Validate the property and stay rules.
//  2. Take the date-range lock (60 s lease, 5 s acquisition).
//  3. Re-check the calendar under the lock and price the stay.
//  4. Upsert the guest and allocate the booking reference.
//  5. Create the payment intent (reference in its metadata).
//  6. Run the reservation transaction; on failure cancel the intent.
//  7. Schedule booking.expire at +30 min.
func (s *ReservationService) CreateBooking(ctx context.Context, in CreateBookingInput) (*ReservationResult, error) {
	// ── Step 1: Property and stay rules ─────────────────
	property, err := s.properties.GetByID(ctx, in.PropertyID)
	if err != nil {
		return nil, err
	}
	if property.Status != "active" {
		return nil, fmt.Errorf("property %s is %q: %w", property.ID, property.Status, ErrPropertyNotBookable)
	}
	nights := int(in.CheckOut.Sub(in.CheckIn).Hours() / 24)
	if nights < property.MinStay {
		return nil, fmt.Errorf("%d nights below minimum %d: %w", nights, property.MinStay, ErrStayViolation)
	}
	if property.MaxStay > 0 && nights > property.MaxStay {
		return nil, fmt.Errorf("%d nights above maximum %d: %w", nights, property.MaxStay, ErrStayViolation)
	}
	if property.MaxGuests > 0 && in.GuestsCount > property.MaxGuests {
		return nil, fmt.Errorf("%d guests above maximum %d: %w", in.GuestsCount, property.MaxGuests, ErrStayViolation)
	}

	// ── Step 2: Date-range lock ─────────────────────────
	lockKey := bookingLockKey(in.PropertyID, in.CheckIn, in.CheckOut)
	held, err := s.locker.Acquire(ctx, lockKey, bookingLockLease, bookingLockWait)
	if err != nil {
		return nil, err
	}
	// If the request context is gone before release, the lease expiry
	// cleans up for us.
	defer func() {
		if relErr := held.Release(ctx); relErr != nil {
			s.logger.Warn("booking lock release failed", zap.String("key", lockKey), zap.Error(relErr))
		}
	}()

	// ── Step 3: Availability re-check + price ───────────
	days, err := s.calendar.GetRange(ctx, in.PropertyID, in.CheckIn, in.CheckOut)
	if err != nil {
		return nil, err
	}
	for _, day := range days {
		if !day.Available {
			return nil, fmt.Errorf("%s is blocked: %w", day.Date.Format("2006-01-02"), repository.ErrDatesUnavailable)
		}
	}
	quote, err := PriceQuote(property, days, in.CheckIn, in.CheckOut)
	if err != nil {
		return nil, err
	}

	// ── Step 4: Guest + reference ───────────────────────
	guest, err := s.guests.UpsertByEmail(ctx, property.TenantID, in.GuestEmail, in.GuestFirstName, in.GuestLastName, in.GuestPhone, model.SourceDirect)
	if err != nil {
		return nil, err
	}
	reference, err := s.bookings.AllocateReference(ctx, s.now().UTC().Year())
	if err != nil {
		return nil, err
	}

	// ── Step 5: Payment intent ──────────────────────────
	intent, err := s.processor.CreateIntent(ctx, quote.Total, quote.Currency, map[string]string{
		"property_id":       property.ID.String(),
		"booking_reference": reference,
		"guest_email":       guest.Email,
		"check_in":          in.CheckIn.Format("2006-01-02"),
		"check_out":         in.CheckOut.Format("2006-01-02"),
	}, "reserve-"+reference)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	// ── Step 6: Reservation transaction ─────────────────
	expiresAt := s.now().Add(reservationTTL)
	booking, err := s.bookings.CreateReservation(ctx, repository.ReservationInput{
		TenantID:        property.TenantID,
		PropertyID:      property.ID,
		GuestID:         guest.ID,
		Source:          model.SourceDirect,
		Status:          model.BookingReserved,
		PaymentStatus:   model.PaymentPending,
		CheckIn:         in.CheckIn,
		CheckOut:        in.CheckOut,
		GuestsCount:     in.GuestsCount,
		NightlyRate:     quote.NightlyRate,
		Subtotal:        quote.Subtotal,
		CleaningFee:     quote.CleaningFee,
		ServiceFee:      quote.ServiceFee,
		Taxes:           quote.Taxes,
		TotalPrice:      quote.Total,
		Currency:        quote.Currency,
		SpecialRequests: in.SpecialRequests,
		ExpiresAt:       &expiresAt,
		Reference:       reference,
		PaymentIntentID: &intent.ID,
	})
	if err != nil {
		s.cancelIntent(ctx, intent.ID, "reservation failed")
		return nil, err
	}

	// ── Step 7: Expiry timer ────────────────────────────
	_, enqErr := s.queue.Enqueue(ctx, task.TypeBookingExpire,
		BookingTaskPayload{BookingID: booking.ID},
		task.WithDelay(reservationTTL))
	if enqErr != nil {
		// The periodic expired-reservation sweep is the backstop.
		s.logger.Error("schedule booking.expire failed",
			zap.String("booking_id", booking.ID.String()), zap.Error(enqErr))
	}

	s.logger.Info("booking reserved",
		zap.String("booking_id", booking.ID.String()),
		zap.String("reference", booking.BookingReference),
		zap.String("property_id", property.ID.String()),
		zap.String("check_in", in.CheckIn.Format("2006-01-02")),
		zap.String("check_out", in.CheckOut.Format("2006-01-02")),
		zap.String("total", quote.Total.String()),
	)
	return &ReservationResult{Booking: booking, ClientSecret: intent.ClientSecret}, nil
}

// CheckAvailability answers whether a stay is open and what it would cost.
// Read-only: no lock is taken, so the answer can race a reservation.
func (s *ReservationService) CheckAvailability(ctx context.Context, propertyID uuid.UUID, checkIn, checkOut time.Time) (*AvailabilityResult, error) {
	property, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if property.Status != "active" {
		return &AvailabilityResult{Available: false}, nil
	}
	days, err := s.calendar.GetRange(ctx, propertyID, checkIn, checkOut)
	if err != nil {
		return nil, err
	}
	for _, day := range days {
		if !day.Available {
			return &AvailabilityResult{Available: false}, nil
		}
	}
	quote, err := PriceQuote(property, days, checkIn, checkOut)
	if err != nil {
		return nil, err
	}
	return &AvailabilityResult{Available: true, Quote: quote}, nil
}

// GetBooking loads one booking.
func (s *ReservationService) GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

// ─── Confirm ────────────────────────────────────────────────

// ConfirmBooking finalizes a reserved booking after the frontend reports
// payment completion. Idempotent: re-confirming returns the booking as is.
func (s *ReservationService) ConfirmBooking(ctx context.Context, bookingID uuid.UUID, paymentIntentID string) (*model.Booking, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status == model.BookingConfirmed && booking.PaymentStatus == model.PaymentPaid {
		return booking, nil
	}
	if booking.Status != model.BookingReserved {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, repository.ErrInvalidStatus)
	}
	if booking.PaymentIntentID == nil || *booking.PaymentIntentID != paymentIntentID {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrIntentMismatch)
	}

	// Trust the processor, not the caller: fetch the intent and check
	// its status server-side.
	intent, err := s.processor.GetIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("verify payment intent: %w", err)
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("intent %s is %q: %w", intent.ID, intent.Status, ErrPaymentIncomplete)
	}

	return s.finalizeConfirmation(ctx, booking, intent)
}

// HandlePaymentSucceeded mirrors ConfirmBooking from the processor's
// webhook, so confirmation happens even when the frontend call is lost.
func (s *ReservationService) HandlePaymentSucceeded(ctx context.Context, intent *payment.Intent) error {
	booking, err := s.lookupByIntent(ctx, intent.ID, intent.Metadata["booking_reference"])
	if err != nil {
		return err
	}
	if booking.Status == model.BookingConfirmed && booking.PaymentStatus == model.PaymentPaid {
		return nil
	}
	if booking.Status != model.BookingReserved {
		// Late success after expiry or cancellation. Surface it loudly;
		// the money needs a human decision.
		s.logger.Warn("payment succeeded for non-reserved booking",
			zap.String("booking_id", booking.ID.String()),
			zap.String("status", string(booking.Status)),
			zap.String("intent_id", intent.ID),
		)
		return nil
	}
	_, err = s.finalizeConfirmation(ctx, booking, intent)
	return err
}

// finalizeConfirmation applies the confirmed state: booking row, calendar
// days, money trail, guest stats, event, mail.
func (s *ReservationService) finalizeConfirmation(ctx context.Context, booking *model.Booking, intent *payment.Intent) (*model.Booking, error) {
	paid := decimal.New(intent.Amount, -2)
	confirmed, err := s.bookings.ConfirmBooking(ctx, booking.ID, intent.ID, paid)
	if err != nil {
		return nil, err
	}

	if err := s.payments.CreateTransaction(ctx, &model.PaymentTransaction{
		BookingID:       confirmed.ID,
		Type:            model.TransactionPayment,
		Status:          "succeeded",
		Amount:          paid,
		Currency:        confirmed.Currency,
		PaymentIntentID: &intent.ID,
	}); err != nil {
		s.logger.Error("record payment transaction failed",
			zap.String("booking_id", confirmed.ID.String()), zap.Error(err))
	}
	if err := s.guests.IncrementBookings(ctx, confirmed.GuestID); err != nil {
		s.logger.Warn("increment guest bookings failed",
			zap.String("guest_id", confirmed.GuestID.String()), zap.Error(err))
	}

	s.publishBookingEvent(ctx, model.EventBookingConfirmed, confirmed, "")
	s.enqueueNotify(ctx, task.TypeNotifyConfirmation, confirmed.ID)

	s.logger.Info("booking confirmed",
		zap.String("booking_id", confirmed.ID.String()),
		zap.String("reference", confirmed.BookingReference),
		zap.String("paid", paid.String()),
	)
	return confirmed, nil
}

// HandlePaymentFailed records a failed payment attempt reported by the
// processor. The reservation stays alive until it expires.
func (s *ReservationService) HandlePaymentFailed(ctx context.Context, intent *payment.Intent) error {
	booking, err := s.lookupByIntent(ctx, intent.ID, intent.Metadata["booking_reference"])
	if err != nil {
		return err
	}
	if err := s.bookings.MarkPaymentFailed(ctx, booking.ID); err != nil {
		if errors.Is(err, repository.ErrInvalidStatus) {
			return nil // already paid or refunded; stale failure event
		}
		return err
	}
	errMsg := "payment failed"
	if err := s.payments.CreateTransaction(ctx, &model.PaymentTransaction{
		BookingID:       booking.ID,
		Type:            model.TransactionPayment,
		Status:          "failed",
		Amount:          decimal.New(intent.Amount, -2),
		Currency:        booking.Currency,
		PaymentIntentID: &intent.ID,
		ErrorMessage:    &errMsg,
	}); err != nil {
		s.logger.Error("record failed payment failed",
			zap.String("booking_id", booking.ID.String()), zap.Error(err))
	}
	return nil
}

// HandleChargeRefunded records a refund the processor reports. Refunds we
// issued ourselves are already recorded by CancelBooking; this catches
// refunds issued out-of-band (e.g. from the processor dashboard).
func (s *ReservationService) HandleChargeRefunded(ctx context.Context, charge *payment.Charge) error {
	booking, err := s.bookings.GetByPaymentIntentID(ctx, charge.PaymentIntent)
	if err != nil {
		return err
	}
	amount := decimal.New(charge.AmountRefunded, -2)
	if booking.PaymentStatus == model.PaymentRefunded &&
		booking.RefundAmount != nil && booking.RefundAmount.Equal(amount) {
		return nil // echo of a refund we issued
	}
	if err := s.bookings.MarkRefunded(ctx, booking.ID, amount); err != nil {
		return err
	}
	if err := s.payments.CreateTransaction(ctx, &model.PaymentTransaction{
		BookingID: booking.ID,
		Type:      model.TransactionRefund,
		Status:    "succeeded",
		Amount:    amount,
		Currency:  booking.Currency,
		ChargeID:  &charge.ID,
	}); err != nil {
		s.logger.Error("record refund transaction failed",
			zap.String("booking_id", booking.ID.String()), zap.Error(err))
	}
	return nil
}

// lookupByIntent finds the booking for a processor webhook, preferring
// the intent id and falling back to the reference we stamped into the
// intent metadata at creation.
func (s *ReservationService) lookupByIntent(ctx context.Context, intentID, reference string) (*model.Booking, error) {
	booking, err := s.bookings.GetByPaymentIntentID(ctx, intentID)
	if err == nil {
		return booking, nil
	}
	if !errors.Is(err, repository.ErrNotFound) || reference == "" {
		return nil, err
	}
	return s.bookings.GetByReference(ctx, reference)
}

// ─── Cancel / Expire ────────────────────────────────────────

// CancelBooking cancels a booking, refunding per the moderate policy when
// it was paid. cancelledBy records the actor: guest, host or system.
func (s *ReservationService) CancelBooking(ctx context.Context, bookingID uuid.UUID, reason, cancelledBy string) (*model.Booking, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status == model.BookingCancelled {
		return booking, nil
	}
	if booking.Status == model.BookingCheckedIn || booking.Status == model.BookingCheckedOut {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, repository.ErrInvalidStatus)
	}

	// Refund before touching the database: a processor failure leaves
	// the booking intact and the request retryable.
	var refund decimal.Decimal
	var refundID *string
	if booking.PaymentStatus == model.PaymentPaid && booking.PaymentIntentID != nil {
		paid := booking.TotalPrice
		if booking.PaidAmount != nil {
			paid = *booking.PaidAmount
		}
		refund = RefundAmount(paid, booking.CheckIn, s.now())
		if refund.IsPositive() {
			ref, err := s.processor.CreateRefund(ctx, *booking.PaymentIntentID, refund, "requested_by_customer")
			if err != nil {
				return nil, fmt.Errorf("issue refund: %w", err)
			}
			refundID = &ref.ID
		}
	}

	var refundArg *decimal.Decimal
	if refund.IsPositive() {
		refundArg = &refund
	}
	cancelled, err := s.bookings.CancelBooking(ctx, bookingID, reason, cancelledBy, refundArg)
	if err != nil {
		return nil, err
	}

	if refundID != nil {
		if err := s.payments.CreateTransaction(ctx, &model.PaymentTransaction{
			BookingID:       cancelled.ID,
			Type:            model.TransactionRefund,
			Status:          "succeeded",
			Amount:          refund,
			Currency:        cancelled.Currency,
			PaymentIntentID: cancelled.PaymentIntentID,
			RefundID:        refundID,
		}); err != nil {
			s.logger.Error("record refund transaction failed",
				zap.String("booking_id", cancelled.ID.String()), zap.Error(err))
		}
	}

	s.publishBookingEvent(ctx, model.EventBookingCancelled, cancelled, reason)
	s.enqueueNotify(ctx, task.TypeNotifyCancellation, cancelled.ID)

	s.logger.Info("booking cancelled",
		zap.String("booking_id", cancelled.ID.String()),
		zap.String("cancelled_by", cancelledBy),
		zap.String("refund", refund.String()),
	)
	return cancelled, nil
}

// ExpireBooking cancels a reservation whose payment window lapsed. The
// intent cancellation is best-effort: a payment that slipped through
// arrives later as a payment_intent.succeeded webhook and is handled
// there.
func (s *ReservationService) ExpireBooking(ctx context.Context, bookingID uuid.UUID) error {
	booking, err := s.bookings.ExpireBooking(ctx, bookingID, s.now())
	if err != nil {
		return err
	}
	if booking == nil {
		return nil // paid in time, or already expired
	}
	if booking.PaymentIntentID != nil {
		s.cancelIntent(ctx, *booking.PaymentIntentID, "reservation expired")
	}
	s.logger.Info("booking expired",
		zap.String("booking_id", booking.ID.String()),
		zap.String("reference", booking.BookingReference),
	)
	return nil
}

// HandleExpireTask is the booking.expire task handler.
func (s *ReservationService) HandleExpireTask(ctx context.Context, t *task.Task) error {
	var p BookingTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("booking.expire: bad payload", zap.Error(err))
		return nil
	}
	return s.ExpireBooking(ctx, p.BookingID)
}

// SweepExpiredReservations cancels reserved bookings whose expiry passed
// without a booking.expire task firing (lost task, worker outage).
func (s *ReservationService) SweepExpiredReservations(ctx context.Context, limit int) (int, error) {
	ids, err := s.bookings.ListExpiredReserved(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := s.ExpireBooking(ctx, id); err != nil {
			s.logger.Error("sweep: expire failed", zap.String("booking_id", id.String()), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *ReservationService) cancelIntent(ctx context.Context, intentID, why string) {
	if _, err := s.processor.CancelIntent(ctx, intentID); err != nil {
		s.logger.Error("cancel payment intent failed",
			zap.String("intent_id", intentID),
			zap.String("trigger", why),
			zap.Error(err),
		)
	}
}

// ─── Supplements ────────────────────────────────────────────

// ResendConfirmation re-sends the confirmation mail for a confirmed
// booking.
func (s *ReservationService) ResendConfirmation(ctx context.Context, bookingID uuid.UUID) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != model.BookingConfirmed {
		return fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, repository.ErrInvalidStatus)
	}
	s.enqueueNotify(ctx, task.TypeNotifyConfirmation, booking.ID)
	return nil
}

// InviteGuest creates a guest-portal invitation. The returned token goes
// into the invitation mail; only its SHA-256 hash is persisted.
func (s *ReservationService) InviteGuest(ctx context.Context, guestID uuid.UUID, bookingID *uuid.UUID) (*model.GuestInvitation, error) {
	guest, err := s.guests.GetByID(ctx, guestID)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate invitation token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(token))

	invitation := &model.GuestInvitation{
		TenantID:  guest.TenantID,
		GuestID:   guest.ID,
		BookingID: bookingID,
		Email:     guest.Email,
		TokenHash: hex.EncodeToString(hash[:]),
		Status:    "pending",
		ExpiresAt: s.now().Add(invitationTTL),
	}
	if err := s.guests.CreateInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, task.TypeNotifyInvitation, InvitationTaskPayload{
		GuestID:   guest.ID,
		Email:     guest.Email,
		Token:     token,
		ExpiresAt: invitation.ExpiresAt,
	}); err != nil {
		s.logger.Error("enqueue invitation mail failed",
			zap.String("guest_id", guest.ID.String()), zap.Error(err))
	}
	return invitation, nil
}

// ─── Shared helpers ─────────────────────────────────────────

func (s *ReservationService) publishBookingEvent(ctx context.Context, eventType model.EventType, b *model.Booking, reason string) {
	err := s.events.Publish(ctx, eventType, b.TenantID, BookingEventPayload{
		BookingID:  b.ID,
		PropertyID: b.PropertyID,
		Source:     b.Source,
		CheckIn:    b.CheckIn.Format("2006-01-02"),
		CheckOut:   b.CheckOut.Format("2006-01-02"),
		Reason:     reason,
	})
	if err != nil {
		s.logger.Error("publish event failed",
			zap.String("event_type", string(eventType)),
			zap.String("booking_id", b.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *ReservationService) enqueueNotify(ctx context.Context, taskType string, bookingID uuid.UUID) {
	if _, err := s.queue.Enqueue(ctx, taskType, BookingTaskPayload{BookingID: bookingID}); err != nil {
		s.logger.Error("enqueue notification failed",
			zap.String("task_type", taskType),
			zap.String("booking_id", bookingID.String()),
			zap.Error(err),
		)
	}
}

func bookingLockKey(propertyID uuid.UUID, checkIn, checkOut time.Time) string {
	return fmt.Sprintf("booking:lock:%s:%s:%s",
		propertyID, checkIn.Format("2006-01-02"), checkOut.Format("2006-01-02"))
}
