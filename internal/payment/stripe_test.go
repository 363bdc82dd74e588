package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("sk_test_123", "whsec_test", zap.NewNop())
	c.http.SetBaseURL(srv.URL)
	return c
}

// signHeader builds a Stripe-Signature header the way Stripe does.
func signHeader(secret string, at time.Time, payload []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhookEvent(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := NewClient("sk_test_123", "whsec_test", zap.NewNop())
	c.now = func() time.Time { return now }

	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"created": 1750000000,
		"data": {"object": {"id": "pi_1", "status": "succeeded", "amount": 48050, "currency": "eur",
			"metadata": {"booking_id": "b-1"}}}
	}`)

	event, err := c.ParseWebhookEvent(payload, signHeader("whsec_test", now, payload))
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if event.ID != "evt_1" || event.Type != "payment_intent.succeeded" {
		t.Errorf("event = %+v", event)
	}
	intent, err := event.Intent()
	if err != nil {
		t.Fatalf("Intent: %v", err)
	}
	if intent.ID != "pi_1" || intent.Amount != 48050 || intent.Metadata["booking_id"] != "b-1" {
		t.Errorf("intent = %+v", intent)
	}
}

func TestParseWebhookEventRejects(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := NewClient("sk_test_123", "whsec_test", zap.NewNop())
	c.now = func() time.Time { return now }
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	cases := []struct {
		name   string
		header string
	}{
		{"wrong secret", signHeader("whsec_other", now, payload)},
		{"stale timestamp", signHeader("whsec_test", now.Add(-6*time.Minute), payload)},
		{"future timestamp", signHeader("whsec_test", now.Add(6*time.Minute), payload)},
		{"tampered payload", signHeader("whsec_test", now, []byte(`{"id":"evt_2"}`))},
		{"malformed header", "v1=deadbeef"},
		{"empty header", ""},
	}
	for _, tc := range cases {
		if _, err := c.ParseWebhookEvent(payload, tc.header); !errors.Is(err, ErrSignature) {
			t.Errorf("%s: err = %v, want ErrSignature", tc.name, err)
		}
	}

	// Just inside the tolerance window still verifies.
	header := signHeader("whsec_test", now.Add(-4*time.Minute), payload)
	if _, err := c.ParseWebhookEvent(payload, header); err != nil {
		t.Errorf("within tolerance: %v", err)
	}
}

func TestCreateIntentSendsForm(t *testing.T) {
	var form url.Values
	var idemKey string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		form = r.PostForm
		idemKey = r.Header.Get("Idempotency-Key")
		fmt.Fprint(w, `{"id": "pi_1", "status": "requires_payment_method", "amount": 48050,
			"currency": "eur", "client_secret": "pi_1_secret"}`)
	}))

	amount, _ := decimal.NewFromString("480.50")
	intent, err := c.CreateIntent(context.Background(), amount, "EUR",
		map[string]string{"booking_id": "b-1"}, "reserve-b-1")
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	if got := form.Get("amount"); got != "48050" {
		t.Errorf("amount = %s, want minor units", got)
	}
	if got := form.Get("currency"); got != "eur" {
		t.Errorf("currency = %s", got)
	}
	if got := form.Get("metadata[booking_id]"); got != "b-1" {
		t.Errorf("metadata = %s", got)
	}
	if idemKey != "reserve-b-1" {
		t.Errorf("Idempotency-Key = %s", idemKey)
	}
	if intent.ID != "pi_1" || intent.ClientSecret != "pi_1_secret" {
		t.Errorf("intent = %+v", intent)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error": {"type": "card_error", "code": "card_declined", "message": "Your card was declined."}}`)
	}))

	// Well past the consecutive-failure threshold.
	for i := 0; i < 10; i++ {
		_, err := c.CreateIntent(context.Background(), decimal.NewFromInt(100), "EUR", nil, "")
		var apiErr *Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("call %d: err = %v, want *Error", i, err)
		}
		if apiErr.Code != "card_declined" || apiErr.StatusCode != http.StatusPaymentRequired {
			t.Fatalf("call %d: apiErr = %+v", i, apiErr)
		}
	}
}

func TestServerErrorsTripBreaker(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	for i := 0; i < 5; i++ {
		if _, err := c.GetIntent(context.Background(), "pi_1"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if calls != 5 {
		t.Fatalf("server saw %d calls before open", calls)
	}

	// Circuit is open now: the request fails without reaching the server.
	if _, err := c.GetIntent(context.Background(), "pi_1"); err == nil {
		t.Fatal("expected open-circuit error")
	}
	if calls != 5 {
		t.Errorf("server saw %d calls, want 5 (open circuit rejects locally)", calls)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"480.50", 48050},
		{"0.01", 1},
		{"100", 10000},
		{"19.999", 2000}, // rounds half away from zero
	}
	for _, tc := range cases {
		amount, _ := decimal.NewFromString(tc.in)
		if got := minorUnits(amount); got != tc.want {
			t.Errorf("minorUnits(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
