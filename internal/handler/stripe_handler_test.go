package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/payment"
)

const stripeTestSecret = "whsec_stripe_test"

func newStripeTest(t *testing.T) (*redis.Client, *StripeHandler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	payments := payment.NewClient("sk_test_key", stripeTestSecret, zap.NewNop())
	// The reservation service stays nil: these tests only exercise paths
	// that never dispatch into it.
	h := NewStripeHandler(payments, nil, client, zap.NewNop())
	return client, h
}

func stripeEvent(id, eventType string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": map[string]any{}},
	})
	return raw
}

func signStripe(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(stripeTestSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postStripe(t *testing.T, h *StripeHandler, payload []byte, signature string) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	var resp webhookResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestStripeRejectsMissingSignature(t *testing.T) {
	_, h := newStripeTest(t)

	rec, _ := postStripe(t, h, stripeEvent("evt_1", "customer.created"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestStripeRejectsBadSignature(t *testing.T) {
	_, h := newStripeTest(t)

	sig := fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix())
	rec, _ := postStripe(t, h, stripeEvent("evt_1", "customer.created"), sig)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestStripeIgnoresUnhandledEventType(t *testing.T) {
	_, h := newStripeTest(t)

	payload := stripeEvent("evt_1", "customer.created")
	rec, resp := postStripe(t, h, payload, signStripe(payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Status != "accepted" {
		t.Errorf("status = %q, want accepted", resp.Status)
	}
	if resp.EventID != "evt_1" {
		t.Errorf("event_id = %q, want evt_1", resp.EventID)
	}
}

func TestStripeDuplicateEvent(t *testing.T) {
	_, h := newStripeTest(t)

	payload := stripeEvent("evt_1", "customer.created")
	sig := signStripe(payload)

	if rec, resp := postStripe(t, h, payload, sig); rec.Code != http.StatusOK || resp.Status != "accepted" {
		t.Fatalf("first delivery: status %d / %q", rec.Code, resp.Status)
	}
	rec, resp := postStripe(t, h, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	if resp.Status != "already_processed" {
		t.Errorf("redelivery status = %q, want already_processed", resp.Status)
	}
}
