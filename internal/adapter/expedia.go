package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

const expediaBaseURL = "https://services.expediapartnercentral.com/properties"

const (
	expediaPageSize   = 100
	expediaDefaultMax = 365
)

// Expedia uses a single JSON shape for availability and rate writes:
// per-day entries nested under roomTypes/ratePlans, always addressed as
// the DEFAULT room type and rate plan since the PMS manages whole units.
type Expedia struct {
	baseClient
	creds Credentials
}

func NewExpedia(creds Credentials, logger *zap.Logger) *Expedia {
	e := &Expedia{baseClient: newBaseClient(model.ChannelExpedia, expediaBaseURL, logger), creds: creds}
	e.http.SetAuthToken(creds.AccessToken)
	return e
}

func (e *Expedia) Channel() model.ChannelType { return model.ChannelExpedia }

func expediaEnvelope(dates []map[string]any) map[string]any {
	return map[string]any{
		"roomTypes": []map[string]any{{
			"roomTypeId": "DEFAULT",
			"ratePlans": []map[string]any{{
				"ratePlanId": "DEFAULT",
				"dates":      dates,
			}},
		}},
	}
}

type expediaDay struct {
	Date      string `json:"date"`
	Available *bool  `json:"available"`
	BaseRate  struct {
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	} `json:"baseRate"`
}

type expediaCalendarResponse struct {
	RoomTypes []struct {
		RatePlans []struct {
			Dates []expediaDay `json:"dates"`
		} `json:"ratePlans"`
	} `json:"roomTypes"`
}

func (e *Expedia) fetchDays(ctx context.Context, remoteProperty, resource string, start, end time.Time) ([]expediaDay, error) {
	resp, err := e.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"startDate": start.Format(DateFormat),
			"endDate":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/%s/%s", remoteProperty, resource))
	})
	if err != nil {
		return nil, err
	}
	var out expediaCalendarResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, e.decodeError(err)
	}
	var days []expediaDay
	for _, roomType := range out.RoomTypes {
		for _, ratePlan := range roomType.RatePlans {
			days = append(days, ratePlan.Dates...)
		}
	}
	return days, nil
}

// ─── Availability ───────────────────────────────────────────────────────────

func (e *Expedia) UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error {
	if minStay < 1 {
		minStay = 1
	}
	if maxStay < 1 {
		maxStay = expediaDefaultMax
	}
	dates := make([]map[string]any, 0)
	for _, date := range datesBetween(start, end) {
		dates = append(dates, map[string]any{
			"date":      date,
			"available": available,
			"minLOS":    minStay,
			"maxLOS":    maxStay,
		})
	}
	_, err := e.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(expediaEnvelope(dates)).Put(fmt.Sprintf("/%s/availability", remoteProperty))
	})
	return err
}

func (e *Expedia) GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error) {
	days, err := e.fetchDays(ctx, remoteProperty, "availability", start, end)
	if err != nil {
		return nil, err
	}
	avail := make(map[string]bool, len(days))
	for _, day := range days {
		available := true
		if day.Available != nil {
			available = *day.Available
		}
		avail[day.Date] = available
	}
	return avail, nil
}

// ─── Pricing ────────────────────────────────────────────────────────────────

func (e *Expedia) UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error {
	return e.UpdatePricingBulk(ctx, remoteProperty, map[string]decimal.Decimal{day.Format(DateFormat): price}, currency)
}

func (e *Expedia) UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error {
	dates := make([]string, 0, len(prices))
	for date := range prices {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	entries := make([]map[string]any, 0, len(dates))
	for _, date := range dates {
		entries = append(entries, map[string]any{
			"date": date,
			"baseRate": map[string]any{
				"amount":   prices[date].InexactFloat64(),
				"currency": currency,
			},
		})
	}
	_, err := e.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(expediaEnvelope(entries)).Put(fmt.Sprintf("/%s/rates", remoteProperty))
	})
	return err
}

func (e *Expedia) GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error) {
	days, err := e.fetchDays(ctx, remoteProperty, "rates", start, end)
	if err != nil {
		return nil, err
	}
	pricing := make(map[string]decimal.Decimal, len(days))
	for _, day := range days {
		if day.BaseRate.Amount == "" {
			continue
		}
		if price, err := decimal.NewFromString(day.BaseRate.Amount.String()); err == nil {
			pricing[day.Date] = price
		}
	}
	return pricing, nil
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type expediaBooking struct {
	BookingID    json.Number `json:"bookingId"`
	PropertyID   json.Number `json:"propertyId"`
	Status       string      `json:"status"`
	PrimaryGuest struct {
		GuestID   json.Number `json:"guestId"`
		FirstName string      `json:"firstName"`
		LastName  string      `json:"lastName"`
		Email     string      `json:"email"`
		Phone     struct {
			Number string `json:"number"`
		} `json:"phone"`
	} `json:"primaryGuest"`
	StayDates struct {
		CheckIn  string `json:"checkIn"`
		CheckOut string `json:"checkOut"`
	} `json:"stayDates"`
	GuestCounts struct {
		Adults   int `json:"adults"`
		Children int `json:"children"`
	} `json:"guestCounts"`
	Payment struct {
		TotalAmount struct {
			Amount   json.Number `json:"amount"`
			Currency string      `json:"currency"`
		} `json:"totalAmount"`
	} `json:"payment"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	SpecialRequests      string `json:"specialRequests"`
}

func (e *Expedia) mapBooking(raw json.RawMessage) (*PlatformBooking, error) {
	var bk expediaBooking
	if err := json.Unmarshal(raw, &bk); err != nil {
		return nil, e.decodeError(err)
	}
	checkIn, err := parseDate(e.channel, bk.StayDates.CheckIn)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDate(e.channel, bk.StayDates.CheckOut)
	if err != nil {
		return nil, err
	}
	total, _ := decimal.NewFromString(bk.Payment.TotalAmount.Amount.String())
	currency := bk.Payment.TotalAmount.Currency
	if currency == "" {
		currency = "EUR"
	}
	adults := bk.GuestCounts.Adults
	if adults == 0 {
		adults = 1
	}
	updatedAt := bk.LastModifiedDateTime
	if updatedAt == "" {
		updatedAt = bk.CreatedDateTime
	}
	return &PlatformBooking{
		ChannelBookingID: bk.BookingID.String(),
		RemotePropertyID: bk.PropertyID.String(),
		ChannelStatus:    bk.Status,
		GuestFirstName:   bk.PrimaryGuest.FirstName,
		GuestLastName:    bk.PrimaryGuest.LastName,
		GuestEmail:       bk.PrimaryGuest.Email,
		GuestPhone:       bk.PrimaryGuest.Phone.Number,
		GuestRemoteID:    bk.PrimaryGuest.GuestID.String(),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Guests:           adults + bk.GuestCounts.Children,
		Adults:           adults,
		Children:         bk.GuestCounts.Children,
		TotalPrice:       total,
		Currency:         currency,
		BookedAt:         bk.CreatedDateTime,
		UpdatedAt:        updatedAt,
		SpecialRequests:  bk.SpecialRequests,
		Raw:              raw,
	}, nil
}

func (e *Expedia) GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error) {
	var bookings []PlatformBooking
	pageToken := ""
	for {
		params := map[string]string{"pageSize": fmt.Sprintf("%d", expediaPageSize)}
		if pageToken != "" {
			params["pageToken"] = pageToken
		}
		if !since.IsZero() {
			params["modifiedSince"] = since.UTC().Format("2006-01-02T15:04:05") + "Z"
		}
		if statusFilter != "" {
			params["status"] = statusFilter
		}
		resp, err := e.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(params).Get(fmt.Sprintf("/%s/bookings", remoteProperty))
		})
		if err != nil {
			return nil, err
		}
		var page struct {
			Bookings      []json.RawMessage `json:"bookings"`
			NextPageToken string            `json:"nextPageToken"`
		}
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, e.decodeError(err)
		}
		for _, raw := range page.Bookings {
			booking, err := e.mapBooking(raw)
			if err != nil {
				e.logger.Warn("skipping unparseable booking", zap.Error(err))
				continue
			}
			bookings = append(bookings, *booking)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return bookings, nil
}

func (e *Expedia) GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error) {
	resp, err := e.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/%s/bookings/%s", remoteProperty, bookingID))
	})
	if err != nil {
		return nil, err
	}
	return e.mapBooking(resp.Body())
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

var expediaEvents = map[string]model.EventType{
	"BOOKING_CREATED":   model.EventBookingCreated,
	"BOOKING_MODIFIED":  model.EventBookingUpdated,
	"BOOKING_CANCELLED": model.EventBookingCancelled,
	"BOOKING_COMPLETED": model.EventBookingCheckedOut,
	"BOOKING_NO_SHOW":   model.EventBookingNoShow,
}

func (e *Expedia) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMACSHA256(payload, signature, e.creds.WebhookSecret)
}

// Expedia webhooks embed the full booking at the top level next to the
// event fields, so ParseWebhookBooking maps the payload itself.
func (e *Expedia) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var wh struct {
		EventType            string      `json:"eventType"`
		EventID              string      `json:"eventId"`
		Timestamp            string      `json:"timestamp"`
		BookingID            json.Number `json:"bookingId"`
		PropertyID           json.Number `json:"propertyId"`
		LastModifiedDateTime string      `json:"lastModifiedDateTime"`
	}
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, e.decodeError(err)
	}
	eventType := wh.EventType
	if mapped, ok := expediaEvents[wh.EventType]; ok {
		eventType = string(mapped)
	}
	return &WebhookEvent{
		Channel:          model.ChannelExpedia,
		Type:             eventType,
		EventID:          wh.EventID,
		BookingID:        wh.BookingID.String(),
		RemotePropertyID: wh.PropertyID.String(),
		UpdatedAt:        wh.LastModifiedDateTime,
		Timestamp:        wh.Timestamp,
		Raw:              json.RawMessage(payload),
	}, nil
}

func (e *Expedia) ParseWebhookBooking(payload []byte) (*PlatformBooking, error) {
	return e.mapBooking(payload)
}
