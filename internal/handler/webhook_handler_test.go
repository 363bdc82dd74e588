package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
	"github.com/ferienwerk/channelmanager/internal/task"
)

const testWebhookSecret = "whsec_test"

func newWebhookTest(t *testing.T) (*redis.Client, *WebhookHandler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// The pool stays nil: every test primes the repository's Redis
	// read-through cache, so the Postgres fallback is never reached.
	connections := repository.NewConnectionRepository(nil, client)
	adapters := adapter.NewFactory(zap.NewNop(), "", "")
	queue := task.NewQueue(client, zap.NewNop())
	secrets := map[model.ChannelType]string{model.ChannelAirbnb: testWebhookSecret}

	h := NewWebhookHandler(connections, adapters, queue, client, secrets, true, zap.NewNop())
	return client, h
}

func webhookRouter(h *WebhookHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/webhooks/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/webhooks/{channel}", h.Receive).Methods(http.MethodPost)
	return r
}

func seedConnection(t *testing.T, client *redis.Client, conn *model.ChannelConnection) {
	t.Helper()
	raw, err := json.Marshal(conn)
	if err != nil {
		t.Fatalf("marshal connection: %v", err)
	}
	key := fmt.Sprintf("connection:%s:%s", conn.ChannelType, conn.RemotePropertyID)
	if err := client.Set(context.Background(), key, raw, time.Minute).Err(); err != nil {
		t.Fatalf("seed connection cache: %v", err)
	}
}

func activeAirbnbConnection() *model.ChannelConnection {
	return &model.ChannelConnection{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		PropertyID:       uuid.New(),
		ChannelType:      model.ChannelAirbnb,
		RemotePropertyID: "4242",
		Status:           model.ConnectionActive,
		SyncDirection:    model.SyncBidirectional,
		SyncEnabled:      true,
		SyncBookings:     true,
	}
}

func airbnbWebhook(eventType, eventID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"event_type": eventType,
		"event_id":   eventID,
		"timestamp":  "2025-06-15T10:00:00Z",
		"reservation": map[string]any{
			"confirmation_code": "HMABCDE42",
			"listing_id":        4242,
			"status":            "accepted",
			"start_date":        "2025-07-01",
			"end_date":          "2025-07-05",
			"number_of_guests":  2,
			"guest": map[string]any{
				"id":         99,
				"first_name": "Anna",
				"last_name":  "Schmidt",
				"email":      "anna.schmidt@example.com",
			},
			"pricing_quote": map[string]any{
				"total": map[string]any{"amount": 640.00, "currency": "EUR"},
			},
			"created_at": "2025-06-14T09:00:00Z",
			"updated_at": "2025-06-15T09:00:00Z",
		},
	})
	return raw
}

func signAirbnb(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h *WebhookHandler, payload []byte, signature string) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/airbnb", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("X-Airbnb-Signature", signature)
	}
	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, req)

	var resp webhookResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func enqueuedTasks(t *testing.T, client *redis.Client) []task.Task {
	t.Helper()
	msgs, err := client.XRange(context.Background(), task.Stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("read task stream: %v", err)
	}
	out := make([]task.Task, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["task"].(string)
		if !ok {
			t.Fatalf("stream entry %s has no task body", msg.ID)
		}
		var tk task.Task
		if err := json.Unmarshal([]byte(raw), &tk); err != nil {
			t.Fatalf("decode task envelope: %v", err)
		}
		out = append(out, tk)
	}
	return out
}

func TestReceiveUnknownChannel(t *testing.T) {
	_, h := newWebhookTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/homeaway", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	rec, _ := postWebhook(t, h, airbnbWebhook("reservation.created", "evt-1"), "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if tasks := enqueuedTasks(t, client); len(tasks) != 0 {
		t.Errorf("enqueued %d tasks despite bad signature", len(tasks))
	}
}

func TestReceiveRejectsMissingSignatureWhenRequired(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	rec, _ := postWebhook(t, h, airbnbWebhook("reservation.created", "evt-1"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestReceiveAcceptsSignedBookingWebhook(t *testing.T) {
	client, h := newWebhookTest(t)
	conn := activeAirbnbConnection()
	seedConnection(t, client, conn)

	payload := airbnbWebhook("reservation.created", "evt-1")
	rec, resp := postWebhook(t, h, payload, signAirbnb(payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Status != "accepted" {
		t.Errorf("status = %q, want accepted", resp.Status)
	}
	if resp.EventID != "evt-1" {
		t.Errorf("event_id = %q, want evt-1", resp.EventID)
	}

	tasks := enqueuedTasks(t, client)
	if len(tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(tasks))
	}
	if tasks[0].Type != task.TypeBookingImport {
		t.Errorf("task type = %s, want %s", tasks[0].Type, task.TypeBookingImport)
	}
	if tasks[0].MaxAttempts != task.ImportMaxAttempts {
		t.Errorf("max attempts = %d, want %d", tasks[0].MaxAttempts, task.ImportMaxAttempts)
	}

	var p service.ImportTaskPayload
	if err := tasks[0].Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ConnectionID != conn.ID {
		t.Errorf("connection_id = %s, want %s", p.ConnectionID, conn.ID)
	}
	if p.Channel != model.ChannelAirbnb {
		t.Errorf("channel = %s, want airbnb", p.Channel)
	}
	if p.BookingID != "HMABCDE42" {
		t.Errorf("booking_id = %q", p.BookingID)
	}
	if p.Booking == nil {
		t.Error("embedded booking missing; airbnb webhooks carry the reservation inline")
	} else if p.Booking.GuestEmail != "anna.schmidt@example.com" {
		t.Errorf("guest email = %q", p.Booking.GuestEmail)
	}
	if len(p.ImportKey) != 32 {
		t.Errorf("import key length = %d, want 32", len(p.ImportKey))
	}
}

func TestReceiveDuplicateDelivery(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	payload := airbnbWebhook("reservation.created", "evt-1")
	sig := signAirbnb(payload)

	if rec, resp := postWebhook(t, h, payload, sig); rec.Code != http.StatusOK || resp.Status != "accepted" {
		t.Fatalf("first delivery: status %d / %q", rec.Code, resp.Status)
	}
	rec, resp := postWebhook(t, h, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	if resp.Status != "already_processed" {
		t.Errorf("redelivery status = %q, want already_processed", resp.Status)
	}
	if tasks := enqueuedTasks(t, client); len(tasks) != 1 {
		t.Errorf("enqueued %d tasks across both deliveries, want 1", len(tasks))
	}
}

func TestReceiveNewEventForSameBookingPasses(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	created := airbnbWebhook("reservation.created", "evt-1")
	updated := airbnbWebhook("reservation.updated", "evt-2")
	postWebhook(t, h, created, signAirbnb(created))
	_, resp := postWebhook(t, h, updated, signAirbnb(updated))

	if resp.Status != "accepted" {
		t.Errorf("second event status = %q, want accepted", resp.Status)
	}
	if tasks := enqueuedTasks(t, client); len(tasks) != 2 {
		t.Errorf("enqueued %d tasks, want 2", len(tasks))
	}
}

func TestReceiveRoutesEventTypes(t *testing.T) {
	cases := []struct {
		eventType string
		taskType  string
	}{
		{"reservation.created", task.TypeBookingImport},
		{"reservation.cancelled", task.TypeCancelImport},
		{"reservation.cancelled_by_guest", task.TypeCancelImport},
		{"reservation.declined", task.TypeCancelImport},
		{"reservation.updated", task.TypeUpdateImport},
		{"reservation.accepted", task.TypeUpdateImport},
		{"reservation.checkout_completed", task.TypeUpdateImport},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			client, h := newWebhookTest(t)
			seedConnection(t, client, activeAirbnbConnection())

			payload := airbnbWebhook(tc.eventType, "evt-"+tc.eventType)
			rec, _ := postWebhook(t, h, payload, signAirbnb(payload))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			tasks := enqueuedTasks(t, client)
			if len(tasks) != 1 {
				t.Fatalf("enqueued %d tasks, want 1", len(tasks))
			}
			if tasks[0].Type != tc.taskType {
				t.Errorf("task type = %s, want %s", tasks[0].Type, tc.taskType)
			}
		})
	}
}

func TestReceivePausedConnectionSkipped(t *testing.T) {
	client, h := newWebhookTest(t)
	conn := activeAirbnbConnection()
	conn.Status = model.ConnectionPaused
	seedConnection(t, client, conn)

	payload := airbnbWebhook("reservation.created", "evt-1")
	rec, resp := postWebhook(t, h, payload, signAirbnb(payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Status != "skipped" {
		t.Errorf("status = %q, want skipped", resp.Status)
	}
	if tasks := enqueuedTasks(t, client); len(tasks) != 0 {
		t.Errorf("enqueued %d tasks for paused connection", len(tasks))
	}
}

func TestReceiveBookinglessPingSkipped(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	payload, _ := json.Marshal(map[string]any{
		"event_type": "endpoint.test",
		"event_id":   "ping-1",
		"timestamp":  "2025-06-15T10:00:00Z",
	})
	rec, resp := postWebhook(t, h, payload, signAirbnb(payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Status != "skipped" {
		t.Errorf("status = %q, want skipped", resp.Status)
	}
	if tasks := enqueuedTasks(t, client); len(tasks) != 0 {
		t.Errorf("enqueued %d tasks for bookingless ping", len(tasks))
	}
}

func TestReceiveRejectsMalformedBody(t *testing.T) {
	client, h := newWebhookTest(t)
	seedConnection(t, client, activeAirbnbConnection())

	payload := []byte("this is not json")
	rec, _ := postWebhook(t, h, payload, signAirbnb(payload))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookHealth(t *testing.T) {
	_, h := newWebhookTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/health", nil)
	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}
