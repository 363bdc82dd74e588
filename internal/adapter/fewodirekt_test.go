package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestFeWoDirekt(t *testing.T, handler http.Handler) *FeWoDirekt {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := NewFeWoDirekt(Credentials{AccessToken: "tok", WebhookSecret: "whsec"}, zap.NewNop())
	f.http.SetBaseURL(srv.URL)
	return f
}

const fewoReservationJSON = `{
	"reservationId": "VR-1",
	"listingId": 321,
	"status": "tentative",
	"guest": {"guestId": 5, "firstName": "Lena", "lastName": "Muster", "email": "lena@example.com", "phone": "+49321"},
	"stayDetails": {"checkIn": "2025-10-01", "checkOut": "2025-10-08", "guests": {"adults": 4, "children": 2}},
	"pricing": {"total": {"amount": "1200.00", "currency": "EUR"}},
	"createdAt": "2025-09-01T08:00:00Z",
	"modifiedAt": "2025-09-02T08:30:00Z",
	"guestMessage": "bringing a dog"
}`

func TestFeWoDirektCursorPagination(t *testing.T) {
	var cursors []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reservations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		cursors = append(cursors, q.Get("cursor"))
		if q.Get("listingId") != "321" || q.Get("pageSize") != "50" {
			t.Errorf("params = %v", q)
		}
		if q.Get("cursor") == "" {
			items := make([]string, 50)
			for i := range items {
				items[i] = fewoReservationJSON
			}
			fmt.Fprintf(w, `{"reservations": [%s], "pagination": {"nextCursor": "cur-2"}}`, strings.Join(items, ","))
			return
		}
		fmt.Fprintf(w, `{"reservations": [%s], "pagination": {}}`, fewoReservationJSON)
	})
	f := newTestFeWoDirekt(t, handler)

	bookings, err := f.GetBookings(context.Background(), "321", time.Time{}, "")
	if err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
	if len(bookings) != 51 {
		t.Fatalf("got %d bookings, want 51", len(bookings))
	}
	if len(cursors) != 2 || cursors[1] != "cur-2" {
		t.Errorf("cursors = %v", cursors)
	}

	first := bookings[0]
	if first.ChannelBookingID != "VR-1" || first.RemotePropertyID != "321" {
		t.Errorf("ids = %q %q", first.ChannelBookingID, first.RemotePropertyID)
	}
	if first.Guests != 6 || first.Adults != 4 || first.Children != 2 {
		t.Errorf("guest counts = %d/%d/%d", first.Guests, first.Adults, first.Children)
	}
	if first.ChannelStatus != "tentative" {
		t.Errorf("ChannelStatus = %q", first.ChannelStatus)
	}
}

func TestFeWoDirektCalendarEntries(t *testing.T) {
	var body []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/listings/321/calendar" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ = readAll(r)
		fmt.Fprint(w, `{}`)
	})
	f := newTestFeWoDirekt(t, handler)

	start := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 10, 3, 0, 0, 0, 0, time.UTC)
	if err := f.UpdateAvailability(context.Background(), "321", start, end, false, 3, 0); err != nil {
		t.Fatalf("UpdateAvailability: %v", err)
	}

	var sent struct {
		CalendarEntries []map[string]any `json:"calendarEntries"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("unmarshal captured body: %v", err)
	}
	if len(sent.CalendarEntries) != 2 {
		t.Fatalf("got %d entries, want 2", len(sent.CalendarEntries))
	}
	first := sent.CalendarEntries[0]
	if first["availability"] != "UNAVAILABLE" {
		t.Errorf("availability = %v", first["availability"])
	}
	if first["minimumStay"] != float64(3) {
		t.Errorf("minimumStay = %v, want 3", first["minimumStay"])
	}
	if _, ok := first["maximumStay"]; ok {
		t.Error("maximumStay sent despite zero value")
	}
}

func TestFeWoDirektInstantBookingCalls(t *testing.T) {
	var paths []string
	var declineBody []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/reservations/VR-1/decline" {
			declineBody, _ = readAll(r)
		}
		fmt.Fprint(w, `{}`)
	})
	f := newTestFeWoDirekt(t, handler)

	if err := f.AcceptInstantBooking(context.Background(), "VR-1"); err != nil {
		t.Fatalf("AcceptInstantBooking: %v", err)
	}
	if err := f.DeclineBooking(context.Background(), "VR-1", "dates no longer free"); err != nil {
		t.Fatalf("DeclineBooking: %v", err)
	}

	if len(paths) != 2 || paths[0] != "POST /reservations/VR-1/accept" || paths[1] != "POST /reservations/VR-1/decline" {
		t.Errorf("paths = %v", paths)
	}
	var decline struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(declineBody, &decline); err != nil || decline.Reason != "dates no longer free" {
		t.Errorf("decline body = %s", declineBody)
	}
}

func TestFeWoDirektParseWebhookEvent(t *testing.T) {
	f := NewFeWoDirekt(Credentials{}, zap.NewNop())

	payload := []byte(`{"eventType": "INSTANT_BOOK_CREATED", "eventId": "ev-3", "timestamp": "2025-09-01T08:00:01Z",
		"reservationId": "VR-1", "listingId": 321, "modifiedAt": "2025-09-01T08:00:00Z"}`)
	evt, err := f.ParseWebhookEvent(payload)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if evt.Type != "booking.created" {
		t.Errorf("Type = %q, instant book should map to booking.created", evt.Type)
	}
	if evt.BookingID != "VR-1" || evt.RemotePropertyID != "321" {
		t.Errorf("ids = %q %q", evt.BookingID, evt.RemotePropertyID)
	}

	// Inquiry events are not part of the booking vocabulary and pass through.
	inquiry := []byte(`{"eventType": "INQUIRY_CREATED", "eventId": "ev-4"}`)
	evt, err = f.ParseWebhookEvent(inquiry)
	if err != nil {
		t.Fatalf("ParseWebhookEvent inquiry: %v", err)
	}
	if evt.Type != "INQUIRY_CREATED" {
		t.Errorf("Type = %q, want raw passthrough", evt.Type)
	}
}
