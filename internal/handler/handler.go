// Package handler contains the HTTP request handlers for the channel
// manager API: the direct-booking endpoints, the five channel webhook
// endpoints and the payment-processor webhook.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/payment"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
	"github.com/ferienwerk/channelmanager/pkg/lock"
)

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the API error shape: a machine error code plus a
// human message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// writeServiceError maps the layered sentinel errors onto HTTP statuses.
// Anything unrecognized is a 500 and gets logged; the 4xx family carries
// a stable machine code the booking frontend branches on.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var payErr *payment.Error
	var chanErr *adapter.Error

	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Resource not found.")

	case errors.Is(err, repository.ErrDatesUnavailable):
		writeError(w, http.StatusConflict, "dates_unavailable",
			"The requested dates are no longer available.")

	case errors.Is(err, lock.ErrNotAcquired):
		writeError(w, http.StatusConflict, "booking_in_progress",
			"Another reservation for these dates is in progress. Please retry.")

	case errors.Is(err, repository.ErrInvalidStatus):
		writeError(w, http.StatusConflict, "invalid_status",
			"The booking is not in a state that permits this operation.")

	case errors.Is(err, service.ErrPropertyNotBookable):
		writeError(w, http.StatusUnprocessableEntity, "property_not_bookable",
			"This property does not accept bookings right now.")

	case errors.Is(err, service.ErrStayViolation):
		writeError(w, http.StatusUnprocessableEntity, "stay_violation", err.Error())

	case errors.Is(err, service.ErrIntentMismatch):
		writeError(w, http.StatusConflict, "intent_mismatch",
			"The payment intent does not belong to this booking.")

	case errors.Is(err, service.ErrPaymentIncomplete):
		writeError(w, http.StatusPaymentRequired, "payment_incomplete",
			"The payment has not succeeded yet.")

	case errors.As(err, &payErr):
		logger.Error("payment provider error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment_provider_error",
			"The payment provider rejected the request.")

	case errors.As(err, &chanErr):
		logger.Error("channel error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "channel_error",
			"A distribution channel rejected the request.")

	default:
		logger.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error",
			"An unexpected error occurred.")
	}
}
