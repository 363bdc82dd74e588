// Package payment is a small Stripe client covering what the booking flow
// needs: payment intents, refunds, and webhook signature verification.
package payment

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
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	stripeBaseURL  = "https://api.stripe.com/v1"
	stripeVersion  = "2024-06-20"
	requestTimeout = 30 * time.Second

	// webhookTolerance bounds the age of a signed webhook. Events older
	// than this are treated as replays.
	webhookTolerance = 5 * time.Minute
)

// ErrSignature is returned when a webhook signature does not verify.
var ErrSignature = errors.New("stripe: webhook signature verification failed")

// Error is a decoded Stripe API error.
type Error struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stripe: %s (%s, HTTP %d): %s", e.Type, e.Code, e.StatusCode, e.Message)
}

// Intent mirrors the fields of a Stripe PaymentIntent we consume.
type Intent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret"`
	LatestCharge string            `json:"latest_charge"`
	Metadata     map[string]string `json:"metadata"`
}

// Refund mirrors a Stripe Refund.
type Refund struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Client talks to the Stripe REST API. All calls run behind a circuit
// breaker: a Stripe outage must not pile up blocked booking requests.
type Client struct {
	http          *resty.Client
	breaker       *gobreaker.CircuitBreaker
	logger        *zap.Logger
	webhookSecret string
	now           func() time.Time
}

// NewClient creates a Stripe client authenticated with the given secret key.
func NewClient(secretKey, webhookSecret string, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 2,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("payment circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Client{
		http: resty.New().
			SetBaseURL(stripeBaseURL).
			SetTimeout(requestTimeout).
			SetAuthToken(secretKey).
			SetHeader("Stripe-Version", stripeVersion),
		breaker:       breaker,
		logger:        logger,
		webhookSecret: webhookSecret,
		now:           time.Now,
	}
}

// do runs one request through the breaker. Client errors (4xx except 429)
// are business outcomes, not service health, so they bypass the failure
// count: a declined card must never open the circuit.
func (c *Client) do(fn func() (*resty.Response, error)) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := fn()
		if err != nil {
			return nil, fmt.Errorf("stripe: request: %w", err)
		}
		code := resp.StatusCode()
		if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
			return nil, decodeError(resp)
		}
		if resp.IsError() {
			return decodeError(resp), nil
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if apiErr, ok := result.(*Error); ok {
		return nil, apiErr
	}
	return result.(*resty.Response), nil
}

func decodeError(resp *resty.Response) *Error {
	var envelope struct {
		Error Error `json:"error"`
	}
	apiErr := &Error{Type: "api_error", Message: http.StatusText(resp.StatusCode())}
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error.Message != "" {
		*apiErr = envelope.Error
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

// minorUnits converts a decimal amount to Stripe's integer minor units.
// All supported currencies here are two-decimal.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ─── Payment Intents ─────────────────────────────────────────

// CreateIntent creates a payment intent. The idempotency key makes retried
// reservations reuse the original intent instead of charging twice.
func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error) {
	form := map[string]string{
		"amount":   strconv.FormatInt(minorUnits(amount), 10),
		"currency": strings.ToLower(currency),
	}
	form["automatic_payment_methods[enabled]"] = "true"
	for k, v := range metadata {
		form[fmt.Sprintf("metadata[%s]", k)] = v
	}

	resp, err := c.do(func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetFormData(form)
		if idempotencyKey != "" {
			req.SetHeader("Idempotency-Key", idempotencyKey)
		}
		return req.Post("/payment_intents")
	})
	if err != nil {
		return nil, err
	}
	return decodeIntent(resp)
}

// GetIntent retrieves a payment intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Get("/payment_intents/" + id)
	})
	if err != nil {
		return nil, err
	}
	return decodeIntent(resp)
}

// CancelIntent cancels an intent that has not been captured. Used to roll
// back the charge when reservation persistence fails after intent creation.
func (c *Client) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Post("/payment_intents/" + id + "/cancel")
	})
	if err != nil {
		return nil, err
	}
	return decodeIntent(resp)
}

func decodeIntent(resp *resty.Response) (*Intent, error) {
	intent := &Intent{}
	if err := json.Unmarshal(resp.Body(), intent); err != nil {
		return nil, fmt.Errorf("stripe: decode intent: %w", err)
	}
	return intent, nil
}

// ─── Refunds ─────────────────────────────────────────────────

// CreateRefund refunds a payment intent. A zero amount refunds in full.
func (c *Client) CreateRefund(ctx context.Context, intentID string, amount decimal.Decimal, reason string) (*Refund, error) {
	form := map[string]string{"payment_intent": intentID}
	if amount.IsPositive() {
		form["amount"] = strconv.FormatInt(minorUnits(amount), 10)
	}
	if reason != "" {
		form["metadata[reason]"] = reason
	}

	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetFormData(form).Post("/refunds")
	})
	if err != nil {
		return nil, err
	}
	refund := &Refund{}
	if err := json.Unmarshal(resp.Body(), refund); err != nil {
		return nil, fmt.Errorf("stripe: decode refund: %w", err)
	}
	return refund, nil
}

// ─── Webhooks ────────────────────────────────────────────────

// WebhookEvent is a verified Stripe event envelope.
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Intent unmarshals the event payload as a payment intent.
func (e *WebhookEvent) Intent() (*Intent, error) {
	intent := &Intent{}
	if err := json.Unmarshal(e.Data.Object, intent); err != nil {
		return nil, fmt.Errorf("stripe: decode event object: %w", err)
	}
	return intent, nil
}

// Charge is the charge object carried by charge.* events.
type Charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunded       bool   `json:"refunded"`
}

// Charge unmarshals the event payload as a charge.
func (e *WebhookEvent) Charge() (*Charge, error) {
	charge := &Charge{}
	if err := json.Unmarshal(e.Data.Object, charge); err != nil {
		return nil, fmt.Errorf("stripe: decode event object: %w", err)
	}
	return charge, nil
}

// ParseWebhookEvent verifies the Stripe-Signature header and decodes the
// event. The scheme is HMAC-SHA256 over "<t>.<payload>" with the endpoint
// secret; the header carries the timestamp and one or more v1 candidates.
func (c *Client) ParseWebhookEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	timestamp, candidates, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	age := c.now().Sub(time.Unix(timestamp, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	verified := false
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrSignature
	}

	event := &WebhookEvent{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("stripe: decode event: %w", err)
	}
	return event, nil
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]". Unknown
// schemes (v0) are ignored.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp  int64
		candidates []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrSignature)
	}
	return timestamp, candidates, nil
}
