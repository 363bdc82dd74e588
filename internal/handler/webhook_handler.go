package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
	"github.com/ferienwerk/channelmanager/internal/task"
)

const (
	// maxWebhookBody caps unauthenticated ingress reads.
	maxWebhookBody = 1 << 20

	// webhookMarkerTTL must outlive every channel's redelivery window.
	webhookMarkerTTL    = 24 * time.Hour
	webhookMarkerPrefix = "webhook:"
)

// signatureHeaders names the header each channel signs its deliveries
// with. Google pushes through Pub/Sub, which authenticates with an OIDC
// token in the Authorization header instead of an HMAC.
var signatureHeaders = map[model.ChannelType]string{
	model.ChannelAirbnb:     "X-Airbnb-Signature",
	model.ChannelBookingCom: "X-Booking-Signature",
	model.ChannelExpedia:    "X-Expedia-Signature",
	model.ChannelFeWoDirekt: "X-Vrbo-Signature",
	model.ChannelGoogle:     "Authorization",
}

// WebhookHandler is the ingress for channel notifications. It verifies,
// deduplicates and routes; the actual import happens on the worker, so a
// slow channel API can never back up webhook delivery.
type WebhookHandler struct {
	connections      *repository.ConnectionRepository
	adapters         *adapter.Factory
	queue            *task.Queue
	redis            *redis.Client
	secrets          map[model.ChannelType]string
	requireSignature bool
	logger           *zap.Logger
	now              func() time.Time
}

// NewWebhookHandler creates the webhook ingress handler. secrets maps each
// channel to its webhook signing secret (for Google, the expected JWT
// audience when it differs from the global one).
func NewWebhookHandler(
	connections *repository.ConnectionRepository,
	adapters *adapter.Factory,
	queue *task.Queue,
	redisClient *redis.Client,
	secrets map[model.ChannelType]string,
	requireSignature bool,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		connections:      connections,
		adapters:         adapters,
		queue:            queue,
		redis:            redisClient,
		secrets:          secrets,
		requireSignature: requireSignature,
		logger:           logger,
		now:              time.Now,
	}
}

type webhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// Receive handles POST /api/v1/webhooks/{channel}
//
// Flow: verify the signature, parse the envelope, drop duplicates via a
// Redis marker, resolve the connection by (channel, remote_property_id),
// and enqueue the matching import task. Everything after the enqueue is
// asynchronous; the channel gets its 200 in milliseconds.
//
// Response codes:
//
//	200 - Accepted, duplicate, or no matching connection (body says which)
//	400 - Payload not parseable as this channel's webhook format
//	401 - Signature missing or invalid
//	404 - Unknown channel in the path
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	channel := model.ChannelType(mux.Vars(r)["channel"])
	if !channel.Valid() {
		writeError(w, http.StatusNotFound, "unknown_channel", "No such channel.")
		return
	}

	start := h.now()
	defer func() {
		metrics.WebhookProcessingSeconds.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookProcessed.WithLabelValues(string(channel), "error").Inc()
		writeError(w, http.StatusBadRequest, "invalid_payload", "Could not read request body.")
		return
	}

	client, err := h.adapters.New(channel, adapter.Credentials{WebhookSecret: h.secrets[channel]})
	if err != nil {
		metrics.WebhookProcessed.WithLabelValues(string(channel), "error").Inc()
		writeServiceError(w, h.logger, err)
		return
	}

	// ── Step 1: signature ───────────────────────────────
	signature := r.Header.Get(signatureHeaders[channel])
	switch {
	case signature != "":
		if !client.VerifyWebhookSignature(body, signature) {
			h.logger.Warn("webhook signature rejected", zap.String("channel", string(channel)))
			metrics.WebhookProcessed.WithLabelValues(string(channel), "invalid_signature").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed.")
			return
		}
	case h.requireSignature:
		h.logger.Warn("webhook without signature rejected", zap.String("channel", string(channel)))
		metrics.WebhookProcessed.WithLabelValues(string(channel), "invalid_signature").Inc()
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature is required.")
		return
	}

	// ── Step 2: parse ───────────────────────────────────
	event, err := client.ParseWebhookEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.String("channel", string(channel)), zap.Error(err))
		metrics.WebhookProcessed.WithLabelValues(string(channel), "error").Inc()
		writeError(w, http.StatusBadRequest, "invalid_payload", "Webhook payload could not be parsed.")
		return
	}
	metrics.WebhookReceived.WithLabelValues(string(channel), event.Type).Inc()

	// Channels ping registered endpoints with bookingless test events.
	if event.BookingID == "" {
		h.logger.Info("webhook carries no booking, ignoring",
			zap.String("channel", string(channel)),
			zap.String("event_type", event.Type),
		)
		metrics.WebhookProcessed.WithLabelValues(string(channel), "skipped").Inc()
		writeJSON(w, http.StatusOK, webhookResponse{Status: "skipped", EventID: event.EventID})
		return
	}

	// ── Step 3: dedup ───────────────────────────────────
	// The marker key includes the event id, so a redelivery of the same
	// notification short-circuits here while a genuinely new event for
	// the same booking still gets through.
	markerKey := webhookMarkerPrefix + service.IdempotencyKey(
		string(channel), event.BookingID, event.UpdatedAt, event.EventID,
	)
	if seen, err := h.redis.Exists(r.Context(), markerKey).Result(); err == nil && seen > 0 {
		metrics.WebhookProcessed.WithLabelValues(string(channel), "duplicate").Inc()
		writeJSON(w, http.StatusOK, webhookResponse{Status: "already_processed", EventID: event.EventID})
		return
	}

	// ── Step 4: resolve the connection ──────────────────
	conn, err := h.connections.GetByChannelRemote(r.Context(), channel, event.RemotePropertyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.logger.Info("webhook for unknown listing, ignoring",
				zap.String("channel", string(channel)),
				zap.String("remote_property_id", event.RemotePropertyID),
			)
			metrics.WebhookProcessed.WithLabelValues(string(channel), "skipped").Inc()
			writeJSON(w, http.StatusOK, webhookResponse{Status: "skipped", EventID: event.EventID})
			return
		}
		metrics.WebhookProcessed.WithLabelValues(string(channel), "error").Inc()
		writeServiceError(w, h.logger, err)
		return
	}
	if conn.Status != model.ConnectionActive {
		metrics.WebhookProcessed.WithLabelValues(string(channel), "skipped").Inc()
		writeJSON(w, http.StatusOK, webhookResponse{Status: "skipped", EventID: event.EventID})
		return
	}

	// ── Step 5: enqueue the import ──────────────────────
	// The embedded booking is best effort: Expedia and FeWo-direkt ship
	// the reservation inline, the others make the worker re-fetch it.
	booking, parseErr := client.ParseWebhookBooking(body)
	if parseErr != nil {
		booking = nil
	}
	payload := service.ImportTaskPayload{
		ConnectionID: conn.ID,
		Channel:      channel,
		BookingID:    event.BookingID,
		Booking:      booking,
		EventID:      event.EventID,
		ImportKey:    service.IdempotencyKey(string(channel), event.BookingID, event.UpdatedAt),
	}

	taskType := task.TypeUpdateImport
	switch event.Type {
	case string(model.EventBookingCreated):
		taskType = task.TypeBookingImport
	case string(model.EventBookingCancelled), string(model.EventBookingDeclined):
		taskType = task.TypeCancelImport
	}

	if _, err := h.queue.Enqueue(r.Context(), taskType, payload, task.WithMaxAttempts(task.ImportMaxAttempts)); err != nil {
		h.logger.Error("webhook enqueue failed",
			zap.String("channel", string(channel)),
			zap.String("task_type", taskType),
			zap.Error(err),
		)
		metrics.WebhookProcessed.WithLabelValues(string(channel), "error").Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not queue the event for processing.")
		return
	}

	if err := h.redis.Set(r.Context(), markerKey, 1, webhookMarkerTTL).Err(); err != nil {
		// A lost marker means one redundant import, which the import-side
		// marker absorbs.
		h.logger.Warn("webhook marker write failed", zap.String("channel", string(channel)), zap.Error(err))
	}

	h.logger.Info("webhook accepted",
		zap.String("channel", string(channel)),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.EventID),
		zap.String("booking_id", event.BookingID),
		zap.String("task_type", taskType),
		zap.String("connection_id", conn.ID.String()),
	)
	metrics.WebhookProcessed.WithLabelValues(string(channel), "success").Inc()
	writeJSON(w, http.StatusOK, webhookResponse{Status: "accepted", EventID: event.EventID})
}

// Health handles GET /api/v1/webhooks/health
//
// Liveness probe for channel dashboards that check the endpoint before
// enabling deliveries.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
