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

const fewoBaseURL = "https://api.vrbo.com/v2"

const fewoPageSize = 50

// FeWoDirekt talks to the Vrbo API, which serves FeWo-direkt listings.
// Calendar and rate writes take per-day entries; reservations paginate
// with an opaque cursor.
type FeWoDirekt struct {
	baseClient
	creds Credentials
}

func NewFeWoDirekt(creds Credentials, logger *zap.Logger) *FeWoDirekt {
	f := &FeWoDirekt{baseClient: newBaseClient(model.ChannelFeWoDirekt, fewoBaseURL, logger), creds: creds}
	f.http.SetAuthToken(creds.AccessToken)
	return f
}

func (f *FeWoDirekt) Channel() model.ChannelType { return model.ChannelFeWoDirekt }

// ─── Availability ───────────────────────────────────────────────────────────

func (f *FeWoDirekt) UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error {
	status := "UNAVAILABLE"
	if available {
		status = "AVAILABLE"
	}
	entries := make([]map[string]any, 0)
	for _, date := range datesBetween(start, end) {
		entry := map[string]any{"date": date, "availability": status}
		if minStay > 0 {
			entry["minimumStay"] = minStay
		}
		if maxStay > 0 {
			entry["maximumStay"] = maxStay
		}
		entries = append(entries, entry)
	}
	_, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{"calendarEntries": entries}).
			Put(fmt.Sprintf("/listings/%s/calendar", remoteProperty))
	})
	return err
}

func (f *FeWoDirekt) GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error) {
	resp, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"startDate": start.Format(DateFormat),
			"endDate":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/listings/%s/calendar", remoteProperty))
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		CalendarEntries []struct {
			Date         string `json:"date"`
			Availability string `json:"availability"`
		} `json:"calendarEntries"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, f.decodeError(err)
	}
	avail := make(map[string]bool, len(out.CalendarEntries))
	for _, entry := range out.CalendarEntries {
		avail[entry.Date] = entry.Availability == "AVAILABLE"
	}
	return avail, nil
}

// ─── Pricing ────────────────────────────────────────────────────────────────

func (f *FeWoDirekt) UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error {
	return f.UpdatePricingBulk(ctx, remoteProperty, map[string]decimal.Decimal{day.Format(DateFormat): price}, currency)
}

func (f *FeWoDirekt) UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error {
	dates := make([]string, 0, len(prices))
	for date := range prices {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	entries := make([]map[string]any, 0, len(dates))
	for _, date := range dates {
		entries = append(entries, map[string]any{
			"date": date,
			"nightlyRate": map[string]any{
				"amount":   prices[date].InexactFloat64(),
				"currency": currency,
			},
		})
	}
	_, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{"rateEntries": entries}).
			Put(fmt.Sprintf("/listings/%s/rates", remoteProperty))
	})
	return err
}

func (f *FeWoDirekt) GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error) {
	resp, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"startDate": start.Format(DateFormat),
			"endDate":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/listings/%s/rates", remoteProperty))
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		RateEntries []struct {
			Date        string `json:"date"`
			NightlyRate struct {
				Amount json.Number `json:"amount"`
			} `json:"nightlyRate"`
		} `json:"rateEntries"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, f.decodeError(err)
	}
	pricing := make(map[string]decimal.Decimal, len(out.RateEntries))
	for _, entry := range out.RateEntries {
		if entry.NightlyRate.Amount == "" {
			continue
		}
		if price, err := decimal.NewFromString(entry.NightlyRate.Amount.String()); err == nil {
			pricing[entry.Date] = price
		}
	}
	return pricing, nil
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type fewoReservation struct {
	ReservationID json.Number `json:"reservationId"`
	ListingID     json.Number `json:"listingId"`
	Status        string      `json:"status"`
	Guest         struct {
		GuestID   json.Number `json:"guestId"`
		FirstName string      `json:"firstName"`
		LastName  string      `json:"lastName"`
		Email     string      `json:"email"`
		Phone     string      `json:"phone"`
	} `json:"guest"`
	StayDetails struct {
		CheckIn  string `json:"checkIn"`
		CheckOut string `json:"checkOut"`
		Guests   struct {
			Adults   int `json:"adults"`
			Children int `json:"children"`
		} `json:"guests"`
	} `json:"stayDetails"`
	Pricing struct {
		Total struct {
			Amount   json.Number `json:"amount"`
			Currency string      `json:"currency"`
		} `json:"total"`
	} `json:"pricing"`
	CreatedAt    string `json:"createdAt"`
	ModifiedAt   string `json:"modifiedAt"`
	GuestMessage string `json:"guestMessage"`
}

func (f *FeWoDirekt) mapReservation(raw json.RawMessage) (*PlatformBooking, error) {
	var res fewoReservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, f.decodeError(err)
	}
	checkIn, err := parseDate(f.channel, res.StayDetails.CheckIn)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDate(f.channel, res.StayDetails.CheckOut)
	if err != nil {
		return nil, err
	}
	total, _ := decimal.NewFromString(res.Pricing.Total.Amount.String())
	currency := res.Pricing.Total.Currency
	if currency == "" {
		currency = "EUR"
	}
	adults := res.StayDetails.Guests.Adults
	if adults == 0 {
		adults = 1
	}
	updatedAt := res.ModifiedAt
	if updatedAt == "" {
		updatedAt = res.CreatedAt
	}
	return &PlatformBooking{
		ChannelBookingID: res.ReservationID.String(),
		RemotePropertyID: res.ListingID.String(),
		ChannelStatus:    res.Status,
		GuestFirstName:   res.Guest.FirstName,
		GuestLastName:    res.Guest.LastName,
		GuestEmail:       res.Guest.Email,
		GuestPhone:       res.Guest.Phone,
		GuestRemoteID:    res.Guest.GuestID.String(),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Guests:           adults + res.StayDetails.Guests.Children,
		Adults:           adults,
		Children:         res.StayDetails.Guests.Children,
		TotalPrice:       total,
		Currency:         currency,
		BookedAt:         res.CreatedAt,
		UpdatedAt:        updatedAt,
		SpecialRequests:  res.GuestMessage,
		Raw:              raw,
	}, nil
}

func (f *FeWoDirekt) GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error) {
	var bookings []PlatformBooking
	cursor := ""
	for {
		params := map[string]string{
			"listingId": remoteProperty,
			"pageSize":  fmt.Sprintf("%d", fewoPageSize),
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		if !since.IsZero() {
			params["modifiedAfter"] = since.UTC().Format("2006-01-02T15:04:05") + "Z"
		}
		if statusFilter != "" {
			params["status"] = statusFilter
		}
		resp, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(params).Get("/reservations")
		})
		if err != nil {
			return nil, err
		}
		var page struct {
			Reservations []json.RawMessage `json:"reservations"`
			Pagination   struct {
				NextCursor string `json:"nextCursor"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, f.decodeError(err)
		}
		for _, raw := range page.Reservations {
			booking, err := f.mapReservation(raw)
			if err != nil {
				f.logger.Warn("skipping unparseable reservation", zap.Error(err))
				continue
			}
			bookings = append(bookings, *booking)
		}
		if page.Pagination.NextCursor == "" || len(page.Reservations) < fewoPageSize {
			break
		}
		cursor = page.Pagination.NextCursor
	}
	return bookings, nil
}

func (f *FeWoDirekt) GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error) {
	resp, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/reservations/%s", bookingID))
	})
	if err != nil {
		return nil, err
	}
	return f.mapReservation(resp.Body())
}

// ─── Instant Booking ────────────────────────────────────────────────────────

// AcceptInstantBooking confirms an instant booking request.
func (f *FeWoDirekt) AcceptInstantBooking(ctx context.Context, reservationID string) error {
	_, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Post(fmt.Sprintf("/reservations/%s/accept", reservationID))
	})
	return err
}

// DeclineBooking rejects a booking request with a reason shown to the guest.
func (f *FeWoDirekt) DeclineBooking(ctx context.Context, reservationID, reason string) error {
	_, err := f.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{"reason": reason}).
			Post(fmt.Sprintf("/reservations/%s/decline", reservationID))
	})
	return err
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

var fewoEvents = map[string]model.EventType{
	"RESERVATION_CREATED":   model.EventBookingCreated,
	"RESERVATION_MODIFIED":  model.EventBookingUpdated,
	"RESERVATION_CANCELLED": model.EventBookingCancelled,
	"INSTANT_BOOK_CREATED":  model.EventBookingCreated,
}

func (f *FeWoDirekt) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMACSHA256(payload, signature, f.creds.WebhookSecret)
}

func (f *FeWoDirekt) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var wh struct {
		EventType     string      `json:"eventType"`
		EventID       string      `json:"eventId"`
		Timestamp     string      `json:"timestamp"`
		ReservationID json.Number `json:"reservationId"`
		ListingID     json.Number `json:"listingId"`
		ModifiedAt    string      `json:"modifiedAt"`
	}
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, f.decodeError(err)
	}
	eventType := wh.EventType
	if mapped, ok := fewoEvents[wh.EventType]; ok {
		eventType = string(mapped)
	}
	return &WebhookEvent{
		Channel:          model.ChannelFeWoDirekt,
		Type:             eventType,
		EventID:          wh.EventID,
		BookingID:        wh.ReservationID.String(),
		RemotePropertyID: wh.ListingID.String(),
		UpdatedAt:        wh.ModifiedAt,
		Timestamp:        wh.Timestamp,
		Raw:              json.RawMessage(payload),
	}, nil
}

func (f *FeWoDirekt) ParseWebhookBooking(payload []byte) (*PlatformBooking, error) {
	return f.mapReservation(payload)
}
