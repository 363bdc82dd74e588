package adapter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestGoogle(t *testing.T, handler http.Handler) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := NewGoogle(Credentials{AccessToken: "tok", ClientID: "acct-1"}, zap.NewNop(), nil, "")
	g.http.SetBaseURL(srv.URL)
	g.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestGoogleTransactionPayload(t *testing.T) {
	var body []byte
	var path string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = readAll(r)
		fmt.Fprint(w, `{}`)
	})
	g := newTestGoogle(t, handler)

	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	if err := g.UpdateAvailability(context.Background(), "prop-1", start, end, false, 2, 14); err != nil {
		t.Fatalf("UpdateAvailability: %v", err)
	}
	if path != "/accounts/acct-1/transactions" {
		t.Errorf("path = %s", path)
	}

	var sent struct {
		PropertyID       string `json:"propertyId"`
		RoomType         string `json:"roomType"`
		RatePlan         string `json:"ratePlan"`
		InventoryUpdates []struct {
			Date         string `json:"date"`
			Availability int    `json:"availability"`
			MinimumLOS   int    `json:"minimumLengthOfStay"`
			MaximumLOS   int    `json:"maximumLengthOfStay"`
		} `json:"inventoryUpdates"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("unmarshal captured body: %v", err)
	}
	if sent.PropertyID != "prop-1" || sent.RoomType != "DEFAULT" || sent.RatePlan != "DEFAULT" {
		t.Errorf("envelope = %+v", sent)
	}
	if len(sent.InventoryUpdates) != 2 {
		t.Fatalf("got %d entries, want 2", len(sent.InventoryUpdates))
	}
	entry := sent.InventoryUpdates[0]
	if entry.Availability != 0 || entry.MinimumLOS != 2 || entry.MaximumLOS != 14 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestGoogleReadsDegradeToEmpty(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not supported", http.StatusInternalServerError)
	})
	g := newTestGoogle(t, handler)

	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)

	avail, err := g.GetAvailability(context.Background(), "prop-1", start, end)
	if err != nil {
		t.Fatalf("GetAvailability should degrade, got %v", err)
	}
	if len(avail) != 0 {
		t.Errorf("availability = %v, want empty", avail)
	}

	prices, err := g.GetPricing(context.Background(), "prop-1", start, end)
	if err != nil {
		t.Fatalf("GetPricing should degrade, got %v", err)
	}
	if len(prices) != 0 {
		t.Errorf("prices = %v, want empty", prices)
	}

	bookings, err := g.GetBookings(context.Background(), "prop-1", time.Time{}, "")
	if err != nil {
		t.Fatalf("GetBookings should degrade, got %v", err)
	}
	if len(bookings) != 0 {
		t.Errorf("bookings = %v, want empty", bookings)
	}

	if _, err := g.GetBooking(context.Background(), "prop-1", "G-1"); err == nil {
		t.Error("GetBooking must not degrade silently")
	}
}

func TestGoogleBuildARIFeed(t *testing.T) {
	g := newTestGoogle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	avail := map[string]bool{"2025-07-02": true, "2025-07-01": false}
	prices := map[string]decimal.Decimal{"2025-07-01": decimalFromString(t, "150.5")}
	feed, err := g.BuildARIFeed("prop-1", avail, prices, "EUR")
	if err != nil {
		t.Fatalf("BuildARIFeed: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(feed); err != nil {
		t.Fatalf("feed is not XML: %v", err)
	}
	root := doc.Root()
	if root.Tag != "Transaction" {
		t.Fatalf("root = %s", root.Tag)
	}
	if id := root.SelectAttrValue("id", ""); id != "txn-20250615120000" {
		t.Errorf("id = %s", id)
	}
	if ts := root.SelectAttrValue("timestamp", ""); ts != "2025-06-15T12:00:00Z" {
		t.Errorf("timestamp = %s", ts)
	}

	props := findAll(root, "Property")
	if len(props) != 1 || props[0].SelectAttrValue("id", "") != "prop-1" {
		t.Fatal("Property element wrong")
	}
	inventory := findAll(root, "Inventory")
	if len(inventory) != 2 {
		t.Fatalf("got %d Inventory elements, want 2", len(inventory))
	}
	// Dates sorted, so 07-01 (unavailable) comes first.
	if findChild(inventory[0], "Date").Text() != "2025-07-01" || findChild(inventory[0], "Availability").Text() != "0" {
		t.Error("first inventory entry wrong")
	}
	rates := findAll(root, "Rate")
	if len(rates) != 1 {
		t.Fatalf("got %d Rate elements, want 1", len(rates))
	}
	base := findChild(rates[0], "BaseRate")
	if base.SelectAttrValue("currency", "") != "EUR" || base.Text() != "150.5" {
		t.Errorf("BaseRate = %s %s", base.SelectAttrValue("currency", ""), base.Text())
	}
}

func pubsubPayload(t *testing.T, inner map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":        base64.StdEncoding.EncodeToString(data),
			"messageId":   "msg-77",
			"publishTime": "2025-07-01T12:00:00Z",
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

func TestGoogleParsePubSubWebhook(t *testing.T) {
	g := NewGoogle(Credentials{}, zap.NewNop(), nil, "")

	payload := pubsubPayload(t, map[string]any{
		"eventType":  "BOOKING_CREATED",
		"propertyId": "prop-1",
		"bookingId":  "G-1",
		"status":     "CONFIRMED",
		"guest":      map[string]any{"firstName": "Kai", "lastName": "Muster", "email": "kai@example.com"},
		"stay":       map[string]any{"checkIn": "2025-08-01", "checkOut": "2025-08-05", "numberOfGuests": 2},
		"pricing":    map[string]any{"totalPrice": map[string]any{"amount": 400, "currency": "EUR"}},
	})

	evt, err := g.ParseWebhookEvent(payload)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if evt.Type != "booking.created" {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.EventID != "msg-77" {
		t.Errorf("EventID = %q, want pubsub message id", evt.EventID)
	}
	if evt.Timestamp != "2025-07-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", evt.Timestamp)
	}
	if evt.BookingID != "G-1" || evt.RemotePropertyID != "prop-1" {
		t.Errorf("ids = %q %q", evt.BookingID, evt.RemotePropertyID)
	}

	booking, err := g.ParseWebhookBooking(payload)
	if err != nil {
		t.Fatalf("ParseWebhookBooking: %v", err)
	}
	if booking.ChannelBookingID != "G-1" || booking.GuestEmail != "kai@example.com" {
		t.Errorf("booking = %q %q", booking.ChannelBookingID, booking.GuestEmail)
	}
	if !booking.TotalPrice.Equal(decimalFromString(t, "400")) {
		t.Errorf("TotalPrice = %s", booking.TotalPrice)
	}
}

func TestGoogleVerifyWebhookJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   "AQAB",
			}},
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(jwksSrv.Close)

	g := NewGoogle(Credentials{}, zap.NewNop(), newJWKSCache(jwksSrv.URL), "my-audience")

	sign := func(audience string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"aud": audience,
			"iss": "https://accounts.google.com",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	if !g.VerifyWebhookSignature(nil, "Bearer "+sign("my-audience")) {
		t.Error("valid token rejected")
	}
	if g.VerifyWebhookSignature(nil, "Bearer "+sign("other-audience")) {
		t.Error("token with wrong audience accepted")
	}
	if g.VerifyWebhookSignature(nil, "Bearer not-a-token") {
		t.Error("garbage token accepted")
	}
	if g.VerifyWebhookSignature(nil, "") {
		t.Error("empty header accepted")
	}
}
