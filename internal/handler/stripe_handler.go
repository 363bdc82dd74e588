package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/payment"
	"github.com/ferienwerk/channelmanager/internal/service"
)

const stripeMarkerPrefix = "stripe_event:"

// StripeHandler receives payment processor webhooks. Unlike channel
// webhooks these are handled inline: the booking state transition is one
// indexed update, and Stripe retries on its own schedule if we 5xx.
type StripeHandler struct {
	payments     *payment.Client
	reservations *service.ReservationService
	redis        *redis.Client
	logger       *zap.Logger
}

// NewStripeHandler creates a new Stripe webhook handler.
func NewStripeHandler(payments *payment.Client, reservations *service.ReservationService, redisClient *redis.Client, logger *zap.Logger) *StripeHandler {
	return &StripeHandler{payments: payments, reservations: reservations, redis: redisClient, logger: logger}
}

// Receive handles POST /api/v1/webhooks/stripe
//
// Response codes:
//
//	200 - Event handled or intentionally ignored
//	400 - Body unreadable or event not decodable
//	401 - Stripe-Signature missing or invalid
//	500 - Handling failed; Stripe will redeliver
func (h *StripeHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Could not read request body.")
		return
	}

	event, err := h.payments.ParseWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrSignature) {
			h.logger.Warn("stripe webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed.")
			return
		}
		h.logger.Warn("stripe webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_payload", "Webhook payload could not be parsed.")
		return
	}

	// Stripe redelivers until it sees a 2xx, so a marker per event id
	// keeps replays from double-confirming.
	markerKey := stripeMarkerPrefix + event.ID
	set, err := h.redis.SetNX(r.Context(), markerKey, 1, webhookMarkerTTL).Result()
	if err == nil && !set {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "already_processed", EventID: event.ID})
		return
	}

	if err := h.dispatch(r, event); err != nil {
		// Release the marker so the redelivery is not treated as a
		// duplicate of an attempt that failed.
		h.redis.Del(r.Context(), markerKey)
		h.logger.Error("stripe event handling failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Event handling failed.")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "accepted", EventID: event.ID})
}

func (h *StripeHandler) dispatch(r *http.Request, event *payment.WebhookEvent) error {
	switch event.Type {
	case "payment_intent.succeeded":
		intent, err := event.Intent()
		if err != nil {
			return err
		}
		return h.reservations.HandlePaymentSucceeded(r.Context(), intent)

	case "payment_intent.payment_failed":
		intent, err := event.Intent()
		if err != nil {
			return err
		}
		return h.reservations.HandlePaymentFailed(r.Context(), intent)

	case "charge.refunded":
		charge, err := event.Charge()
		if err != nil {
			return err
		}
		return h.reservations.HandleChargeRefunded(r.Context(), charge)

	default:
		h.logger.Debug("stripe event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return nil
	}
}
