// Package adapter implements API clients for the five distribution
// channels (Airbnb, Booking.com, Expedia, FeWo-direkt, Google Vacation
// Rentals). Each Adapter translates between the PMS data model and the
// channel wire format; the sync engine never sees channel payloads
// directly.
package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// DateFormat is the calendar date layout used across all channel APIs.
const DateFormat = "2006-01-02"

const requestTimeout = 30 * time.Second

// ─── Errors ─────────────────────────────────────────────────────────────────

// ErrorKind classifies a channel API failure.
type ErrorKind string

const (
	ErrAuthentication ErrorKind = "authentication"
	ErrNotFound       ErrorKind = "not_found"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrValidation     ErrorKind = "validation"
	ErrTransient      ErrorKind = "transient"
)

// Error is the error type returned by every adapter operation.
type Error struct {
	Channel    model.ChannelType
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Channel, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Channel, e.Kind, e.Message)
}

// CircuitExcluded reports whether err should bypass circuit breaker
// accounting. Validation, not-found and authentication responses are
// caller mistakes, not signs of channel degradation.
func CircuitExcluded(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case ErrValidation, ErrNotFound, ErrAuthentication:
			return true
		}
	}
	return false
}

// ErrorTypeLabel returns the metric label for a failure.
func ErrorTypeLabel(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return "unknown"
}

// IsRateLimited extracts the Retry-After hint from a remote 429, if any.
func IsRateLimited(err error) (time.Duration, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == ErrRateLimited {
		return ae.RetryAfter, true
	}
	return 0, false
}

func translateHTTP(channel model.ChannelType, resp *resty.Response) error {
	msg := strings.TrimSpace(string(resp.Body()))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	e := &Error{Channel: channel, StatusCode: resp.StatusCode(), Message: msg}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		e.Kind = ErrAuthentication
	case resp.StatusCode() == http.StatusNotFound:
		e.Kind = ErrNotFound
	case resp.StatusCode() == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		if e.RetryAfter == 0 {
			e.RetryAfter = 60 * time.Second
		}
	case resp.StatusCode() >= 500:
		e.Kind = ErrTransient
	default:
		e.Kind = ErrValidation
	}
	return e
}

// ─── Data Types ─────────────────────────────────────────────────────────────

// Credentials holds the per-connection secrets an adapter needs. Access
// tokens are rotated by the token refresh job, so adapters are built per
// operation with the connection's current token.
type Credentials struct {
	AccessToken   string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
}

// PlatformBooking is a channel reservation normalized to a common shape.
// ChannelStatus keeps the raw wire value; MapChannelStatus converts it to
// the PMS status vocabulary.
type PlatformBooking struct {
	ChannelBookingID string
	RemotePropertyID string
	ChannelStatus    string
	GuestFirstName   string
	GuestLastName    string
	GuestEmail       string
	GuestPhone       string
	GuestRemoteID    string
	CheckIn          time.Time
	CheckOut         time.Time
	Guests           int
	Adults           int
	Children         int
	TotalPrice       decimal.Decimal
	Currency         string
	BookedAt         string
	UpdatedAt        string
	SpecialRequests  string
	Raw              json.RawMessage
}

// WebhookEvent is the normalized envelope of an inbound channel webhook.
// Type uses the canonical event vocabulary (booking.created, ...);
// unrecognized channel events pass through unmapped.
type WebhookEvent struct {
	Channel          model.ChannelType
	Type             string
	EventID          string
	BookingID        string
	RemotePropertyID string
	UpdatedAt        string
	Timestamp        string
	Raw              json.RawMessage
}

// Adapter is the operation set every channel client implements. Date
// ranges are half-open: start inclusive, end exclusive. Map keys use
// DateFormat. A zero since means no modification cutoff; minStay and
// maxStay of 0 leave the channel value untouched.
type Adapter interface {
	Channel() model.ChannelType

	UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error
	GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error)

	UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error
	UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error
	GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error)

	GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error)
	GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error)

	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte) (*WebhookEvent, error)
	ParseWebhookBooking(payload []byte) (*PlatformBooking, error)
}

// InstantBooker is implemented by channels that need an explicit
// accept or decline call for instant booking requests.
type InstantBooker interface {
	AcceptInstantBooking(ctx context.Context, reservationID string) error
	DeclineBooking(ctx context.Context, reservationID, reason string) error
}

// ─── Factory ────────────────────────────────────────────────────────────────

// Factory builds adapters per connection. It is shared so the Google
// JWKS key cache survives across constructions.
type Factory struct {
	logger   *zap.Logger
	jwksURL  string
	audience string
	jwks     *jwksCache
}

func NewFactory(logger *zap.Logger, googleJWKSURL, googleAudience string) *Factory {
	return &Factory{
		logger:   logger,
		jwksURL:  googleJWKSURL,
		audience: googleAudience,
		jwks:     newJWKSCache(googleJWKSURL),
	}
}

// New returns the adapter for channel, bound to creds.
func (f *Factory) New(channel model.ChannelType, creds Credentials) (Adapter, error) {
	switch channel {
	case model.ChannelAirbnb:
		return NewAirbnb(creds, f.logger), nil
	case model.ChannelBookingCom:
		return NewBookingCom(creds, f.logger), nil
	case model.ChannelExpedia:
		return NewExpedia(creds, f.logger), nil
	case model.ChannelFeWoDirekt:
		return NewFeWoDirekt(creds, f.logger), nil
	case model.ChannelGoogle:
		return NewGoogle(creds, f.logger, f.jwks, f.audience), nil
	default:
		return nil, fmt.Errorf("unsupported channel type %q", channel)
	}
}

// ─── Shared HTTP Client ─────────────────────────────────────────────────────

type baseClient struct {
	channel model.ChannelType
	http    *resty.Client
	logger  *zap.Logger
}

func newBaseClient(channel model.ChannelType, baseURL string, logger *zap.Logger) baseClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json")
	return baseClient{channel: channel, http: client, logger: logger.With(zap.String("channel", string(channel)))}
}

// do runs one request and folds transport and HTTP-level failures into
// the adapter error taxonomy.
func (c *baseClient) do(ctx context.Context, fn func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	resp, err := fn(c.http.R().SetContext(ctx))
	if err != nil {
		return nil, &Error{Channel: c.channel, Kind: ErrTransient, Message: err.Error()}
	}
	if resp.IsError() {
		return resp, translateHTTP(c.channel, resp)
	}
	return resp, nil
}

func (c *baseClient) decodeError(err error) error {
	return &Error{Channel: c.channel, Kind: ErrValidation, Message: fmt.Sprintf("decode response: %v", err)}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// verifyHMACSHA256 compares signature against the hex HMAC-SHA256 of
// payload in constant time.
func verifyHMACSHA256(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.ToLower(strings.TrimPrefix(signature, "sha256="))
	return hmac.Equal([]byte(want), []byte(got))
}

// datesBetween returns each day in [start, end) formatted as DateFormat.
func datesBetween(start, end time.Time) []string {
	var out []string
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateFormat))
	}
	return out
}

func parseDate(channel model.ChannelType, value string) (time.Time, error) {
	t, err := time.Parse(DateFormat, value)
	if err != nil {
		return time.Time{}, &Error{Channel: channel, Kind: ErrValidation, Message: fmt.Sprintf("bad date %q", value)}
	}
	return t, nil
}

// ─── Status Mapping ─────────────────────────────────────────────────────────

var statusMaps = map[model.ChannelType]map[string]string{
	model.ChannelAirbnb: {
		"pending":            "pending",
		"accepted":           "confirmed",
		"denied":             "declined",
		"declined":           "declined",
		"cancelled":          "cancelled",
		"cancelled_by_host":  "cancelled",
		"cancelled_by_guest": "cancelled",
		"checkout_completed": "checked_out",
	},
	model.ChannelBookingCom: {
		"new":       "pending",
		"modified":  "confirmed",
		"ok":        "confirmed",
		"cancelled": "cancelled",
		"no_show":   "no_show",
	},
	model.ChannelExpedia: {
		"PENDING":   "pending",
		"CONFIRMED": "confirmed",
		"CANCELLED": "cancelled",
		"COMPLETED": "checked_out",
		"NO_SHOW":   "no_show",
		"IN_HOUSE":  "checked_in",
	},
	model.ChannelFeWoDirekt: {
		"tentative":          "pending",
		"booked":             "confirmed",
		"confirmed":          "confirmed",
		"cancelled":          "cancelled",
		"cancelled_by_guest": "cancelled",
		"cancelled_by_owner": "cancelled",
		"declined":           "declined",
		"expired":            "cancelled",
	},
	model.ChannelGoogle: {
		"CONFIRMED": "confirmed",
		"CANCELLED": "cancelled",
		"COMPLETED": "checked_out",
		"NO_SHOW":   "no_show",
	},
}

/// MapChannelStatus converts a raw channel status to the PMS vocabulary:
// pending, confirmed, cancelled, declined, no_show, checked_in,
// checked_out. Unknown values map to pending, except Google where a
// notification implies a confirmed booking.
func MapChannelStatus(channel model.ChannelType, raw string) string {
	key := raw
	switch channel {
	case model.ChannelAirbnb, model.ChannelBookingCom, model.ChannelFeWoDirekt:
		key = strings.ToLower(raw)
	case model.ChannelExpedia, model.ChannelGoogle:
		key = strings.ToUpper(raw)
	}
	if mapped, ok := statusMaps[channel][key]; ok {
		return mapped
	}
	if channel == model.ChannelGoogle {
		return "confirmed"
	}
	return "pending"
}
