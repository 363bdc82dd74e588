package adapter

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

const googleBaseURL = "https://travelpartner.googleapis.com/v3"

const googlePageSize = 100

// Google pushes availability and rates through the Travel Partner
// transactions API. Reads are best-effort: the API is write-focused, so
// a failed query degrades to an empty result instead of an error.
// Webhooks arrive as Cloud Pub/Sub pushes authenticated with an RS256
// JWT instead of an HMAC signature.
type Google struct {
	baseClient
	creds    Credentials
	account  string
	jwks     *jwksCache
	audience string
	now      func() time.Time
}

// NewGoogle builds the Google adapter. The partner account id rides in
// creds.ClientID; jwks and audience come from the factory so the key
// cache is shared across connections.
func NewGoogle(creds Credentials, logger *zap.Logger, jwks *jwksCache, audience string) *Google {
	g := &Google{
		baseClient: newBaseClient(model.ChannelGoogle, googleBaseURL, logger),
		creds:      creds,
		account:    creds.ClientID,
		jwks:       jwks,
		audience:   audience,
		now:        time.Now,
	}
	g.http.SetAuthToken(creds.AccessToken)
	return g
}

func (g *Google) Channel() model.ChannelType { return model.ChannelGoogle }

// ─── Availability ───────────────────────────────────────────────────────────

func (g *Google) UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error {
	entries := make([]map[string]any, 0)
	for _, date := range datesBetween(start, end) {
		entry := map[string]any{"date": date, "availability": boolToInt(available)}
		if minStay > 0 {
			entry["minimumLengthOfStay"] = minStay
		}
		if maxStay > 0 {
			entry["maximumLengthOfStay"] = maxStay
		}
		entries = append(entries, entry)
	}
	transaction := map[string]any{
		"propertyId":       remoteProperty,
		"roomType":         "DEFAULT",
		"ratePlan":         "DEFAULT",
		"inventoryUpdates": entries,
	}
	_, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(transaction).Post(fmt.Sprintf("/accounts/%s/transactions", g.account))
	})
	return err
}

func (g *Google) GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error) {
	resp, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"startDate": start.Format(DateFormat),
			"endDate":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/accounts/%s/properties/%s/inventory", g.account, remoteProperty))
	})
	if err != nil {
		g.logger.Warn("availability query unsupported, returning empty", zap.Error(err))
		return map[string]bool{}, nil
	}
	var out struct {
		Inventory []struct {
			Date         string `json:"date"`
			Availability int    `json:"availability"`
		} `json:"inventory"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, g.decodeError(err)
	}
	avail := make(map[string]bool, len(out.Inventory))
	for _, entry := range out.Inventory {
		avail[entry.Date] = entry.Availability > 0
	}
	return avail, nil
}

// ─── Pricing ────────────────────────────────────────────────────────────────

func (g *Google) UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error {
	return g.UpdatePricingBulk(ctx, remoteProperty, map[string]decimal.Decimal{day.Format(DateFormat): price}, currency)
}

func (g *Google) UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error {
	dates := make([]string, 0, len(prices))
	for date := range prices {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	entries := make([]map[string]any, 0, len(dates))
	for _, date := range dates {
		entries = append(entries, map[string]any{
			"date": date,
			"rate": map[string]any{
				"amount":   prices[date].InexactFloat64(),
				"currency": currency,
			},
		})
	}
	transaction := map[string]any{
		"propertyId":  remoteProperty,
		"roomType":    "DEFAULT",
		"ratePlan":    "DEFAULT",
		"rateUpdates": entries,
	}
	_, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(transaction).Post(fmt.Sprintf("/accounts/%s/transactions", g.account))
	})
	return err
}

func (g *Google) GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error) {
	resp, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"startDate": start.Format(DateFormat),
			"endDate":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/accounts/%s/properties/%s/rates", g.account, remoteProperty))
	})
	if err != nil {
		g.logger.Warn("pricing query unsupported, returning empty", zap.Error(err))
		return map[string]decimal.Decimal{}, nil
	}
	var out struct {
		Rates []struct {
			Date string `json:"date"`
			Rate struct {
				Amount json.Number `json:"amount"`
			} `json:"rate"`
		} `json:"rates"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, g.decodeError(err)
	}
	pricing := make(map[string]decimal.Decimal, len(out.Rates))
	for _, entry := range out.Rates {
		if price, err := decimal.NewFromString(entry.Rate.Amount.String()); err == nil {
			pricing[entry.Date] = price
		}
	}
	return pricing, nil
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type googleBooking struct {
	BookingID  json.Number `json:"bookingId"`
	PropertyID json.Number `json:"propertyId"`
	Status     string      `json:"status"`
	Guest      struct {
		GuestID   json.Number `json:"guestId"`
		FirstName string      `json:"firstName"`
		LastName  string      `json:"lastName"`
		Email     string      `json:"email"`
		Phone     string      `json:"phone"`
	} `json:"guest"`
	Stay struct {
		CheckIn          string `json:"checkIn"`
		CheckOut         string `json:"checkOut"`
		NumberOfGuests   int    `json:"numberOfGuests"`
		NumberOfAdults   int    `json:"numberOfAdults"`
		NumberOfChildren int    `json:"numberOfChildren"`
	} `json:"stay"`
	Pricing struct {
		TotalPrice struct {
			Amount   json.Number `json:"amount"`
			Currency string      `json:"currency"`
		} `json:"totalPrice"`
	} `json:"pricing"`
	CreatedTime      string `json:"createdTime"`
	LastModifiedTime string `json:"lastModifiedTime"`
	SpecialRequests  string `json:"specialRequests"`
}

func (g *Google) mapBooking(raw json.RawMessage) (*PlatformBooking, error) {
	var bk googleBooking
	if err := json.Unmarshal(raw, &bk); err != nil {
		return nil, g.decodeError(err)
	}
	checkIn, err := parseDate(g.channel, bk.Stay.CheckIn)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDate(g.channel, bk.Stay.CheckOut)
	if err != nil {
		return nil, err
	}
	total, _ := decimal.NewFromString(bk.Pricing.TotalPrice.Amount.String())
	currency := bk.Pricing.TotalPrice.Currency
	if currency == "" {
		currency = "EUR"
	}
	guests := bk.Stay.NumberOfGuests
	if guests == 0 {
		guests = 2
	}
	adults := bk.Stay.NumberOfAdults
	if adults == 0 {
		adults = 2
	}
	updatedAt := bk.LastModifiedTime
	if updatedAt == "" {
		updatedAt = bk.CreatedTime
	}
	return &PlatformBooking{
		ChannelBookingID: bk.BookingID.String(),
		RemotePropertyID: bk.PropertyID.String(),
		ChannelStatus:    bk.Status,
		GuestFirstName:   bk.Guest.FirstName,
		GuestLastName:    bk.Guest.LastName,
		GuestEmail:       bk.Guest.Email,
		GuestPhone:       bk.Guest.Phone,
		GuestRemoteID:    bk.Guest.GuestID.String(),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Guests:           guests,
		Adults:           adults,
		Children:         bk.Stay.NumberOfChildren,
		TotalPrice:       total,
		Currency:         currency,
		BookedAt:         bk.CreatedTime,
		UpdatedAt:        updatedAt,
		SpecialRequests:  bk.SpecialRequests,
		Raw:              raw,
	}, nil
}

// GetBookings degrades to an empty list when the account's integration
// type does not expose booking queries.
func (g *Google) GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error) {
	params := map[string]string{
		"propertyId": remoteProperty,
		"pageSize":   fmt.Sprintf("%d", googlePageSize),
	}
	if !since.IsZero() {
		params["modifiedAfter"] = since.UTC().Format("2006-01-02T15:04:05") + "Z"
	}
	if statusFilter != "" {
		params["status"] = statusFilter
	}
	resp, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(params).Get(fmt.Sprintf("/accounts/%s/bookings", g.account))
	})
	if err != nil {
		g.logger.Warn("booking query unsupported, returning empty", zap.Error(err))
		return nil, nil
	}
	var page struct {
		Bookings []json.RawMessage `json:"bookings"`
	}
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, g.decodeError(err)
	}
	var bookings []PlatformBooking
	for _, raw := range page.Bookings {
		booking, err := g.mapBooking(raw)
		if err != nil {
			g.logger.Warn("skipping unparseable booking", zap.Error(err))
			continue
		}
		bookings = append(bookings, *booking)
	}
	return bookings, nil
}

func (g *Google) GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error) {
	resp, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/accounts/%s/bookings/%s", g.account, bookingID))
	})
	if err != nil {
		return nil, err
	}
	return g.mapBooking(resp.Body())
}

// ─── ARI Feed ───────────────────────────────────────────────────────────────

// BuildARIFeed renders the batch Transaction XML covering availability
// and rates for one property. It is the bulk alternative to per-range
// transaction calls.
func (g *Google) BuildARIFeed(remoteProperty string, availability map[string]bool, prices map[string]decimal.Decimal, currency string) (string, error) {
	now := g.now().UTC()

	doc := etree.NewDocument()
	root := doc.CreateElement("Transaction")
	root.CreateAttr("timestamp", now.Format("2006-01-02T15:04:05")+"Z")
	root.CreateAttr("id", "txn-"+now.Format("20060102150405"))

	property := root.CreateElement("PropertyDataSet").CreateElement("Property")
	property.CreateAttr("id", remoteProperty)
	roomData := property.CreateElement("RoomData")
	roomData.CreateAttr("room_id", "DEFAULT")

	availDates := make([]string, 0, len(availability))
	for date := range availability {
		availDates = append(availDates, date)
	}
	sort.Strings(availDates)
	for _, date := range availDates {
		inventory := roomData.CreateElement("Inventory")
		inventory.CreateElement("Date").SetText(date)
		inventory.CreateElement("Availability").SetText(strconv.Itoa(boolToInt(availability[date])))
	}

	rateDates := make([]string, 0, len(prices))
	for date := range prices {
		rateDates = append(rateDates, date)
	}
	sort.Strings(rateDates)
	for _, date := range rateDates {
		rate := roomData.CreateElement("Rate")
		rate.CreateElement("Date").SetText(date)
		baseRate := rate.CreateElement("BaseRate")
		baseRate.CreateAttr("currency", currency)
		baseRate.SetText(prices[date].String())
	}

	return doc.WriteToString()
}

// UploadARIFeed posts a feed built by BuildARIFeed.
func (g *Google) UploadARIFeed(ctx context.Context, feed string) error {
	_, err := g.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Content-Type", "application/xml").
			SetBody(feed).
			Post(fmt.Sprintf("/accounts/%s/ariFeed", g.account))
	})
	return err
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

var googleEvents = map[string]model.EventType{
	"BOOKING_CREATED":   model.EventBookingCreated,
	"BOOKING_MODIFIED":  model.EventBookingUpdated,
	"BOOKING_CANCELLED": model.EventBookingCancelled,
}

// VerifyWebhookSignature validates the Pub/Sub push JWT. The signature
// argument is the Authorization header value; the expected audience is
// the connection webhook secret, falling back to the configured global
// audience.
func (g *Google) VerifyWebhookSignature(payload []byte, signature string) bool {
	token := strings.TrimSpace(strings.TrimPrefix(signature, "Bearer "))
	if token == "" || g.jwks == nil {
		return false
	}
	audience := g.creds.WebhookSecret
	if audience == "" {
		audience = g.audience
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return g.jwks.key(kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(audience))
	if err != nil {
		g.logger.Warn("webhook JWT rejected", zap.Error(err))
		return false
	}
	return parsed.Valid
}

type pubsubEnvelope struct {
	Message struct {
		Data        json.RawMessage `json:"data"`
		MessageID   string          `json:"messageId"`
		PublishTime string          `json:"publishTime"`
	} `json:"message"`
}

// decodePubSub unwraps a Pub/Sub push envelope. data is usually a
// base64-encoded JSON string, but inline objects are tolerated.
func decodePubSub(payload []byte) (*pubsubEnvelope, []byte, error) {
	var env pubsubEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, err
	}
	if len(env.Message.Data) == 0 {
		return &env, nil, nil
	}
	var encoded string
	if err := json.Unmarshal(env.Message.Data, &encoded); err != nil {
		return &env, env.Message.Data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, err
	}
	return &env, decoded, nil
}

func (g *Google) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	env, data, err := decodePubSub(payload)
	if err != nil {
		return nil, g.decodeError(err)
	}
	var inner struct {
		EventType        string      `json:"eventType"`
		PropertyID       json.Number `json:"propertyId"`
		BookingID        json.Number `json:"bookingId"`
		LastModifiedTime string      `json:"lastModifiedTime"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, g.decodeError(err)
		}
	}
	eventType := inner.EventType
	if mapped, ok := googleEvents[inner.EventType]; ok {
		eventType = string(mapped)
	}
	return &WebhookEvent{
		Channel:          model.ChannelGoogle,
		Type:             eventType,
		EventID:          env.Message.MessageID,
		BookingID:        inner.BookingID.String(),
		RemotePropertyID: inner.PropertyID.String(),
		UpdatedAt:        inner.LastModifiedTime,
		Timestamp:        env.Message.PublishTime,
		Raw:              json.RawMessage(payload),
	}, nil
}

func (g *Google) ParseWebhookBooking(payload []byte) (*PlatformBooking, error) {
	_, data, err := decodePubSub(payload)
	if err != nil {
		return nil, g.decodeError(err)
	}
	if len(data) == 0 {
		return nil, &Error{Channel: model.ChannelGoogle, Kind: ErrValidation, Message: "pubsub message has no data"}
	}
	return g.mapBooking(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ─── JWKS Cache ─────────────────────────────────────────────────────────────

// jwksCache fetches Google's signing keys and caches them by key id.
type jwksCache struct {
	url   string
	http  *resty.Client
	cache *gocache.Cache
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:   url,
		http:  resty.New().SetTimeout(10 * time.Second),
		cache: gocache.New(time.Hour, 2*time.Hour),
	}
}

func (j *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	if cached, ok := j.cache.Get(kid); ok {
		return cached.(*rsa.PublicKey), nil
	}
	resp, err := j.http.R().Get(j.url)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode())
	}
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	var found *rsa.PublicKey
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSA(k.N, k.E)
		if err != nil {
			continue
		}
		j.cache.Set(k.Kid, pub, gocache.DefaultExpiration)
		if k.Kid == kid {
			found = pub
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no RSA key %q in jwks", kid)
	}
	return found, nil
}

func jwkToRSA(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
