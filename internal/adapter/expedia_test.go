package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestExpedia(t *testing.T, handler http.Handler) *Expedia {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e := NewExpedia(Credentials{AccessToken: "tok", WebhookSecret: "whsec"}, zap.NewNop())
	e.http.SetBaseURL(srv.URL)
	return e
}

const expediaBookingJSON = `{
	"bookingId": "EXP-1",
	"propertyId": 555,
	"status": "CONFIRMED",
	"primaryGuest": {"guestId": 7, "firstName": "Erika", "lastName": "Muster", "email": "erika@example.com", "phone": {"number": "+49555"}},
	"stayDates": {"checkIn": "2025-09-01", "checkOut": "2025-09-06"},
	"guestCounts": {"adults": 2, "children": 1},
	"payment": {"totalAmount": {"amount": 750.25, "currency": "EUR"}},
	"createdDateTime": "2025-08-01T09:00:00Z",
	"lastModifiedDateTime": "2025-08-02T10:00:00Z",
	"specialRequests": "crib please"
}`

func TestExpediaGetBookingsFollowsPageToken(t *testing.T) {
	var tokens []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/555/bookings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		tokens = append(tokens, q.Get("pageToken"))
		if q.Get("pageSize") != "100" {
			t.Errorf("pageSize = %s", q.Get("pageSize"))
		}
		if q.Get("pageToken") == "" {
			fmt.Fprintf(w, `{"bookings": [%s], "nextPageToken": "tok-2"}`, expediaBookingJSON)
			return
		}
		fmt.Fprintf(w, `{"bookings": [%s]}`, expediaBookingJSON)
	})
	e := newTestExpedia(t, handler)

	bookings, err := e.GetBookings(context.Background(), "555", time.Time{}, "")
	if err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
	if len(bookings) != 2 {
		t.Fatalf("got %d bookings, want 2", len(bookings))
	}
	if len(tokens) != 2 || tokens[0] != "" || tokens[1] != "tok-2" {
		t.Errorf("tokens = %v", tokens)
	}

	first := bookings[0]
	if first.ChannelBookingID != "EXP-1" || first.RemotePropertyID != "555" {
		t.Errorf("ids = %q %q", first.ChannelBookingID, first.RemotePropertyID)
	}
	if first.Guests != 3 || first.Adults != 2 || first.Children != 1 {
		t.Errorf("guest counts = %d/%d/%d", first.Guests, first.Adults, first.Children)
	}
	if first.GuestPhone != "+49555" {
		t.Errorf("GuestPhone = %q", first.GuestPhone)
	}
	if first.UpdatedAt != "2025-08-02T10:00:00Z" {
		t.Errorf("UpdatedAt = %q", first.UpdatedAt)
	}
}

func TestExpediaUpdateAvailabilityEntries(t *testing.T) {
	var body []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/555/availability" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ = readAll(r)
		fmt.Fprint(w, `{}`)
	})
	e := newTestExpedia(t, handler)

	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	if err := e.UpdateAvailability(context.Background(), "555", start, end, true, 0, 0); err != nil {
		t.Fatalf("UpdateAvailability: %v", err)
	}

	var sent struct {
		RoomTypes []struct {
			RoomTypeID string `json:"roomTypeId"`
			RatePlans  []struct {
				RatePlanID string `json:"ratePlanId"`
				Dates      []struct {
					Date      string `json:"date"`
					Available bool   `json:"available"`
					MinLOS    int    `json:"minLOS"`
					MaxLOS    int    `json:"maxLOS"`
				} `json:"dates"`
			} `json:"ratePlans"`
		} `json:"roomTypes"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("unmarshal captured body: %v", err)
	}
	if len(sent.RoomTypes) != 1 || sent.RoomTypes[0].RoomTypeID != "DEFAULT" {
		t.Fatal("roomTypes envelope wrong")
	}
	dates := sent.RoomTypes[0].RatePlans[0].Dates
	if len(dates) != 3 {
		t.Fatalf("got %d date entries, want 3 (checkout day excluded)", len(dates))
	}
	if dates[0].Date != "2025-09-01" || dates[2].Date != "2025-09-03" {
		t.Errorf("date range %s..%s", dates[0].Date, dates[2].Date)
	}
	if dates[0].MinLOS != 1 || dates[0].MaxLOS != 365 {
		t.Errorf("LOS defaults = %d/%d, want 1/365", dates[0].MinLOS, dates[0].MaxLOS)
	}
}

func TestExpediaParseWebhook(t *testing.T) {
	e := NewExpedia(Credentials{}, zap.NewNop())

	payload := []byte(`{"eventType": "BOOKING_CREATED", "eventId": "ev-9", "timestamp": "2025-08-01T09:00:01Z",
		"bookingId": "EXP-1", "propertyId": 555,
		"primaryGuest": {"firstName": "Erika", "lastName": "Muster", "email": "erika@example.com"},
		"stayDates": {"checkIn": "2025-09-01", "checkOut": "2025-09-06"},
		"payment": {"totalAmount": {"amount": 750.25, "currency": "EUR"}},
		"status": "CONFIRMED"}`)

	evt, err := e.ParseWebhookEvent(payload)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if evt.Type != "booking.created" || evt.EventID != "ev-9" {
		t.Errorf("event = %q %q", evt.Type, evt.EventID)
	}
	if evt.BookingID != "EXP-1" || evt.RemotePropertyID != "555" {
		t.Errorf("ids = %q %q", evt.BookingID, evt.RemotePropertyID)
	}

	booking, err := e.ParseWebhookBooking(payload)
	if err != nil {
		t.Fatalf("ParseWebhookBooking: %v", err)
	}
	if booking.ChannelBookingID != "EXP-1" || booking.ChannelStatus != "CONFIRMED" {
		t.Errorf("booking = %q %q", booking.ChannelBookingID, booking.ChannelStatus)
	}
	if booking.Adults != 1 {
		t.Errorf("Adults = %d, want default 1 when guestCounts missing", booking.Adults)
	}
}
