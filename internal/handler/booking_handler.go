package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
)

// BookingHandler handles the direct-booking endpoints.
type BookingHandler struct {
	reservations *service.ReservationService
	sync         *service.SyncService
	logger       *zap.Logger
}

// NewBookingHandler creates a new booking handler.
func NewBookingHandler(reservations *service.ReservationService, sync *service.SyncService, logger *zap.Logger) *BookingHandler {
	return &BookingHandler{reservations: reservations, sync: sync, logger: logger}
}

type guestPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type createBookingRequest struct {
	PropertyID      uuid.UUID    `json:"property_id"`
	CheckIn         string       `json:"check_in"`
	CheckOut        string       `json:"check_out"`
	Guests          int          `json:"guests"`
	Guest           guestPayload `json:"guest"`
	SpecialRequests string       `json:"special_requests"`
}

// CreateBooking handles POST /api/v1/bookings
//
// Reserves the stay and opens a payment intent. The reservation holds the
// dates for 30 minutes; the client confirms via /confirm after payment.
//
// Response codes:
//
//	201 - Reserved (body carries the booking and the payment client secret)
//	400 - Malformed request
//	404 - Unknown property
//	409 - Dates taken, or a concurrent reservation holds the date lock
//	422 - Property not bookable or stay rules violated
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON.")
		return
	}
	checkIn, checkOut, err := parseStay(req.CheckIn, req.CheckOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_dates", err.Error())
		return
	}
	if req.PropertyID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "missing_property", "property_id is required.")
		return
	}
	if req.Guest.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_guest_email", "guest.email is required.")
		return
	}
	if req.Guests < 1 {
		req.Guests = 1
	}

	result, err := h.reservations.CreateBooking(r.Context(), service.CreateBookingInput{
		PropertyID:      req.PropertyID,
		CheckIn:         checkIn,
		CheckOut:        checkOut,
		GuestsCount:     req.Guests,
		GuestEmail:      req.Guest.Email,
		GuestFirstName:  req.Guest.FirstName,
		GuestLastName:   req.Guest.LastName,
		GuestPhone:      req.Guest.Phone,
		SpecialRequests: req.SpecialRequests,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"booking":       result.Booking,
		"client_secret": result.ClientSecret,
	})
}

type checkAvailabilityRequest struct {
	PropertyID uuid.UUID `json:"property_id"`
	CheckIn    string    `json:"check_in"`
	CheckOut   string    `json:"check_out"`
}

// CheckAvailability handles POST /api/v1/bookings/check-availability
//
// Read-only availability probe with a price quote when the dates are
// free. The answer can race a concurrent reservation; only CreateBooking
// holds the dates.
func (h *BookingHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req checkAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON.")
		return
	}
	checkIn, checkOut, err := parseStay(req.CheckIn, req.CheckOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_dates", err.Error())
		return
	}

	result, err := h.reservations.CheckAvailability(r.Context(), req.PropertyID, checkIn, checkOut)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetBooking handles GET /api/v1/bookings/{id}
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	booking, err := h.reservations.GetBooking(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type confirmBookingRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

// ConfirmBooking handles POST /api/v1/bookings/{id}/confirm
//
// Idempotent: confirming an already-confirmed booking returns it
// unchanged. The payment intent is re-checked server-side.
//
// Response codes:
//
//	200 - Confirmed
//	400 - Missing payment_intent_id
//	402 - Payment not succeeded yet
//	404 - Unknown booking
//	409 - Booking not reserved, or intent does not match
func (h *BookingHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req confirmBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON.")
		return
	}
	if req.PaymentIntentID == "" {
		writeError(w, http.StatusBadRequest, "missing_payment_intent", "payment_intent_id is required.")
		return
	}

	booking, err := h.reservations.ConfirmBooking(r.Context(), id, req.PaymentIntentID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

// CancelBooking handles POST /api/v1/bookings/{id}/cancel
//
// Refunds per the moderate policy when the booking was paid, then
// releases the dates. Idempotent for already-cancelled bookings.
//
// Response codes:
//
//	200 - Cancelled (body carries the refund amount)
//	404 - Unknown booking
//	409 - Stay already checked in or checked out
//	502 - The payment provider refused the refund
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req cancelBookingRequest
	if r.Body != nil {
		// The reason is optional; an unreadable body just means none given.
		json.NewDecoder(r.Body).Decode(&req)
	}

	booking, err := h.reservations.CancelBooking(r.Context(), id, req.Reason, "guest")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// ResendConfirmation handles POST /api/v1/bookings/{id}/resend-confirmation
func (h *BookingHandler) ResendConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.reservations.ResendConfirmation(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// CalendarExport handles GET /api/v1/bookings/{id}/calendar-export
//
// Returns the booking as an iCalendar attachment.
func (h *BookingHandler) CalendarExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	filename, doc, err := h.reservations.CalendarExport(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

type inviteGuestRequest struct {
	BookingID *uuid.UUID `json:"booking_id,omitempty"`
}

// InviteGuest handles POST /api/v1/guests/{guest_id}/invite
//
// Creates a guest-portal invitation and queues the mail. The response
// never contains the token; it travels only in the mail.
func (h *BookingHandler) InviteGuest(w http.ResponseWriter, r *http.Request) {
	guestID, ok := pathUUID(w, r, "guest_id")
	if !ok {
		return
	}
	var req inviteGuestRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	invitation, err := h.reservations.InviteGuest(r.Context(), guestID, req.BookingID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"invitation_id": invitation.ID,
		"email":         invitation.Email,
		"expires_at":    invitation.ExpiresAt,
	})
}

type calendarUpdate struct {
	Date          string           `json:"date"`
	Available     bool             `json:"available"`
	PriceOverride *decimal.Decimal `json:"price_override,omitempty"`
	MinStay       *int             `json:"min_stay,omitempty"`
	MaxStay       *int             `json:"max_stay,omitempty"`
}

type updateCalendarRequest struct {
	Updates []calendarUpdate `json:"updates"`
}

// UpdateCalendar handles PATCH /api/v1/properties/{property_id}/calendar
//
// Applies operator day edits (blocks, price overrides, stay bounds) and
// triggers outbound sync to every connected channel. Days held by a
// booking are not touched; the response reports how many days changed.
func (h *BookingHandler) UpdateCalendar(w http.ResponseWriter, r *http.Request) {
	propertyID, ok := pathUUID(w, r, "property_id")
	if !ok {
		return
	}
	var req updateCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON.")
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, "empty_updates", "updates must contain at least one day.")
		return
	}

	updates := make([]repository.DayUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		date, err := time.Parse("2006-01-02", u.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_dates",
				fmt.Sprintf("bad date %q: use YYYY-MM-DD", u.Date))
			return
		}
		updates = append(updates, repository.DayUpdate{
			Date:          date,
			Available:     u.Available,
			PriceOverride: u.PriceOverride,
			MinStay:       u.MinStay,
			MaxStay:       u.MaxStay,
		})
	}

	applied, err := h.sync.UpdateCalendar(r.Context(), propertyID, updates)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": applied})
}

// ─── Helpers ────────────────────────────────────────────────

// pathUUID extracts a UUID path variable, answering 400 itself when the
// value does not parse.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id",
			fmt.Sprintf("%s must be a UUID.", name))
		return uuid.Nil, false
	}
	return id, true
}

// parseStay parses and validates a check-in/check-out date pair.
func parseStay(checkIn, checkOut string) (time.Time, time.Time, error) {
	in, err := time.Parse("2006-01-02", checkIn)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("check_in must be YYYY-MM-DD")
	}
	out, err := time.Parse("2006-01-02", checkOut)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("check_out must be YYYY-MM-DD")
	}
	if !in.Before(out) {
		return time.Time{}, time.Time{}, errors.New("check_out must be after check_in")
	}
	return in, out, nil
}
