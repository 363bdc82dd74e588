package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func TestMapChannelStatus(t *testing.T) {
	tests := []struct {
		channel model.ChannelType
		raw     string
		want    string
	}{
		{model.ChannelAirbnb, "accepted", "confirmed"},
		{model.ChannelAirbnb, "ACCEPTED", "confirmed"},
		{model.ChannelAirbnb, "cancelled_by_guest", "cancelled"},
		{model.ChannelAirbnb, "denied", "declined"},
		{model.ChannelAirbnb, "something_new", "pending"},
		{model.ChannelBookingCom, "new", "pending"},
		{model.ChannelBookingCom, "ok", "confirmed"},
		{model.ChannelBookingCom, "no_show", "no_show"},
		{model.ChannelExpedia, "confirmed", "confirmed"},
		{model.ChannelExpedia, "IN_HOUSE", "checked_in"},
		{model.ChannelExpedia, "COMPLETED", "checked_out"},
		{model.ChannelFeWoDirekt, "tentative", "pending"},
		{model.ChannelFeWoDirekt, "expired", "cancelled"},
		{model.ChannelGoogle, "CANCELLED", "cancelled"},
		{model.ChannelGoogle, "whatever", "confirmed"},
	}
	for _, tt := range tests {
		if got := MapChannelStatus(tt.channel, tt.raw); got != tt.want {
			t.Errorf("MapChannelStatus(%s, %q) = %q, want %q", tt.channel, tt.raw, got, tt.want)
		}
	}
}

func TestVerifyHMACSHA256(t *testing.T) {
	// RFC 4231 test case 2.
	payload := []byte("what do ya want for nothing?")
	secret := "Jefe"
	signature := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"

	if !verifyHMACSHA256(payload, signature, secret) {
		t.Error("valid signature rejected")
	}
	if !verifyHMACSHA256(payload, "sha256="+signature, secret) {
		t.Error("prefixed signature rejected")
	}
	if !verifyHMACSHA256(payload, "5BDCC146BF60754E6A042426089575C75A003F089D2739839DEC58B964EC3843", secret) {
		t.Error("uppercase signature rejected")
	}
	if verifyHMACSHA256(payload, signature, "wrong") {
		t.Error("signature accepted with wrong secret")
	}
	if verifyHMACSHA256(payload, "", secret) {
		t.Error("empty signature accepted")
	}
	if verifyHMACSHA256(payload, signature, "") {
		t.Error("empty secret accepted")
	}
}

func TestTranslateHTTP(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		wantKind   ErrorKind
		wantRetry  time.Duration
	}{
		{http.StatusUnauthorized, "", ErrAuthentication, 0},
		{http.StatusForbidden, "", ErrAuthentication, 0},
		{http.StatusNotFound, "", ErrNotFound, 0},
		{http.StatusTooManyRequests, "30", ErrRateLimited, 30 * time.Second},
		{http.StatusTooManyRequests, "", ErrRateLimited, 60 * time.Second},
		{http.StatusBadRequest, "", ErrValidation, 0},
		{http.StatusUnprocessableEntity, "", ErrValidation, 0},
		{http.StatusInternalServerError, "", ErrTransient, 0},
		{http.StatusBadGateway, "", ErrTransient, 0},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.WriteHeader(tt.status)
			fmt.Fprint(w, "boom")
		}))
		client := newBaseClient(model.ChannelAirbnb, srv.URL, zap.NewNop())
		_, err := client.do(context.Background(), func(r *resty.Request) (*resty.Response, error) {
			return r.Get("/")
		})
		srv.Close()

		var ae *Error
		if !errors.As(err, &ae) {
			t.Fatalf("status %d: error %v is not *Error", tt.status, err)
		}
		if ae.Kind != tt.wantKind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, ae.Kind, tt.wantKind)
		}
		if ae.StatusCode != tt.status {
			t.Errorf("status %d: StatusCode = %d", tt.status, ae.StatusCode)
		}
		if ae.RetryAfter != tt.wantRetry {
			t.Errorf("status %d: RetryAfter = %v, want %v", tt.status, ae.RetryAfter, tt.wantRetry)
		}
	}
}

func TestCircuitExcluded(t *testing.T) {
	validation := &Error{Channel: model.ChannelAirbnb, Kind: ErrValidation, Message: "bad payload"}
	if !CircuitExcluded(validation) {
		t.Error("validation error should be excluded")
	}
	if !CircuitExcluded(fmt.Errorf("push failed: %w", validation)) {
		t.Error("wrapped validation error should be excluded")
	}
	transient := &Error{Channel: model.ChannelAirbnb, Kind: ErrTransient, Message: "503"}
	if CircuitExcluded(transient) {
		t.Error("transient error should not be excluded")
	}
	if CircuitExcluded(errors.New("plain")) {
		t.Error("plain error should not be excluded")
	}

	if got := ErrorTypeLabel(transient); got != "transient" {
		t.Errorf("ErrorTypeLabel = %q, want transient", got)
	}
	if got := ErrorTypeLabel(errors.New("plain")); got != "unknown" {
		t.Errorf("ErrorTypeLabel = %q, want unknown", got)
	}
}

func TestIsRateLimited(t *testing.T) {
	limited := &Error{Channel: model.ChannelExpedia, Kind: ErrRateLimited, RetryAfter: 45 * time.Second}
	retry, ok := IsRateLimited(fmt.Errorf("push: %w", limited))
	if !ok || retry != 45*time.Second {
		t.Errorf("IsRateLimited = (%v, %v), want (45s, true)", retry, ok)
	}
	if _, ok := IsRateLimited(errors.New("plain")); ok {
		t.Error("plain error reported as rate limited")
	}
}

func TestDatesBetween(t *testing.T) {
	start := time.Date(2025, 6, 28, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)
	got := datesBetween(start, end)
	want := []string{"2025-06-28", "2025-06-29", "2025-06-30", "2025-07-01"}
	if len(got) != len(want) {
		t.Fatalf("datesBetween returned %d dates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dates[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if out := datesBetween(start, start); len(out) != 0 {
		t.Errorf("empty range produced %d dates", len(out))
	}
}

func TestFactoryBuildsEveryChannel(t *testing.T) {
	factory := NewFactory(zap.NewNop(), "https://www.googleapis.com/oauth2/v3/certs", "aud")
	for _, channel := range model.AllChannels() {
		a, err := factory.New(channel, Credentials{AccessToken: "tok"})
		if err != nil {
			t.Fatalf("New(%s): %v", channel, err)
		}
		if a.Channel() != channel {
			t.Errorf("adapter for %s reports channel %s", channel, a.Channel())
		}
	}
	if _, err := factory.New(model.ChannelType("myspace"), Credentials{}); err == nil {
		t.Error("unknown channel accepted")
	}
}
