package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

const airbnbBaseURL = "https://api.airbnb.com/v2"

const airbnbPageSize = 50

// Airbnb talks to the Airbnb host API. Calendar writes take date ranges,
// pricing writes take per-day entries, and reservations paginate with
// _limit/_offset.
type Airbnb struct {
	baseClient
	creds Credentials
}

func NewAirbnb(creds Credentials, logger *zap.Logger) *Airbnb {
	a := &Airbnb{baseClient: newBaseClient(model.ChannelAirbnb, airbnbBaseURL, logger), creds: creds}
	a.http.SetAuthToken(creds.AccessToken)
	return a
}

func (a *Airbnb) Channel() model.ChannelType { return model.ChannelAirbnb }

// ─── Availability ───────────────────────────────────────────────────────────

type airbnbCalendarUpdate struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Available bool   `json:"available"`
	MinNights int    `json:"min_nights,omitempty"`
	MaxNights int    `json:"max_nights,omitempty"`
}

func (a *Airbnb) UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error {
	body := airbnbCalendarUpdate{
		StartDate: start.Format(DateFormat),
		EndDate:   end.AddDate(0, 0, -1).Format(DateFormat),
		Available: available,
		MinNights: minStay,
		MaxNights: maxStay,
	}
	_, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Put(fmt.Sprintf("/listings/%s/calendar", remoteProperty))
	})
	return err
}

type airbnbCalendarDay struct {
	Date      string          `json:"date"`
	Available bool            `json:"available"`
	Price     json.RawMessage `json:"price"`
}

type airbnbCalendarResponse struct {
	Data struct {
		Calendar struct {
			Days []airbnbCalendarDay `json:"days"`
		} `json:"calendar"`
	} `json:"data"`
}

func (a *Airbnb) fetchCalendar(ctx context.Context, remoteProperty string, start, end time.Time) ([]airbnbCalendarDay, error) {
	resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"start_date": start.Format(DateFormat),
			"end_date":   end.AddDate(0, 0, -1).Format(DateFormat),
		}).Get(fmt.Sprintf("/listings/%s/calendar", remoteProperty))
	})
	if err != nil {
		return nil, err
	}
	var out airbnbCalendarResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, a.decodeError(err)
	}
	return out.Data.Calendar.Days, nil
}

func (a *Airbnb) GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error) {
	days, err := a.fetchCalendar(ctx, remoteProperty, start, end)
	if err != nil {
		return nil, err
	}
	avail := make(map[string]bool, len(days))
	for _, day := range days {
		avail[day.Date] = day.Available
	}
	return avail, nil
}

// ─── Pricing ────────────────────────────────────────────────────────────────

type airbnbPriceDay struct {
	Date     string  `json:"date"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

func (a *Airbnb) pushPriceDays(ctx context.Context, remoteProperty string, days []airbnbPriceDay) error {
	body := map[string]any{"calendar": map[string]any{"days": days}}
	_, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Put(fmt.Sprintf("/listings/%s/calendar", remoteProperty))
	})
	return err
}

func (a *Airbnb) UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error {
	return a.pushPriceDays(ctx, remoteProperty, []airbnbPriceDay{{
		Date:     day.Format(DateFormat),
		Price:    price.InexactFloat64(),
		Currency: currency,
	}})
}

func (a *Airbnb) UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error {
	days := make([]airbnbPriceDay, 0, len(prices))
	for date, price := range prices {
		days = append(days, airbnbPriceDay{Date: date, Price: price.InexactFloat64(), Currency: currency})
	}
	return a.pushPriceDays(ctx, remoteProperty, days)
}

func (a *Airbnb) GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error) {
	days, err := a.fetchCalendar(ctx, remoteProperty, start, end)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(days))
	for _, day := range days {
		if len(day.Price) == 0 {
			continue
		}
		if price, ok := parseAirbnbPrice(day.Price); ok {
			prices[day.Date] = price
		}
	}
	return prices, nil
}

// parseAirbnbPrice accepts both price shapes the calendar API returns:
// an object {"amount": 120.0} or a bare number.
func parseAirbnbPrice(raw json.RawMessage) (decimal.Decimal, bool) {
	var obj struct {
		Amount json.Number `json:"amount"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Amount != "" {
		if price, err := decimal.NewFromString(obj.Amount.String()); err == nil {
			return price, true
		}
	}
	var scalar json.Number
	if err := json.Unmarshal(raw, &scalar); err == nil && scalar != "" {
		if price, err := decimal.NewFromString(scalar.String()); err == nil {
			return price, true
		}
	}
	return decimal.Decimal{}, false
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type airbnbGuest struct {
	ID        json.Number `json:"id"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone"`
}

type airbnbReservation struct {
	ConfirmationCode string      `json:"confirmation_code"`
	ListingID        json.Number `json:"listing_id"`
	Status           string      `json:"status"`
	StartDate        string      `json:"start_date"`
	EndDate          string      `json:"end_date"`
	Guest            airbnbGuest `json:"guest"`
	NumberOfGuests   int         `json:"number_of_guests"`
	PricingQuote     struct {
		Total struct {
			Amount   json.Number `json:"amount"`
			Currency string      `json:"currency"`
		} `json:"total"`
	} `json:"pricing_quote"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	GuestMessage string `json:"guest_message"`
}

func (a *Airbnb) mapReservation(raw json.RawMessage) (*PlatformBooking, error) {
	var res airbnbReservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, a.decodeError(err)
	}
	checkIn, err := parseDate(model.ChannelAirbnb, res.StartDate)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDate(model.ChannelAirbnb, res.EndDate)
	if err != nil {
		return nil, err
	}
	total, _ := decimal.NewFromString(res.PricingQuote.Total.Amount.String())
	guests := res.NumberOfGuests
	if guests == 0 {
		guests = 1
	}
	return &PlatformBooking{
		ChannelBookingID: res.ConfirmationCode,
		RemotePropertyID: res.ListingID.String(),
		ChannelStatus:    res.Status,
		GuestFirstName:   res.Guest.FirstName,
		GuestLastName:    res.Guest.LastName,
		GuestEmail:       res.Guest.Email,
		GuestPhone:       res.Guest.Phone,
		GuestRemoteID:    res.Guest.ID.String(),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Guests:           guests,
		Adults:           guests,
		TotalPrice:       total,
		Currency:         res.PricingQuote.Total.Currency,
		BookedAt:         res.CreatedAt,
		UpdatedAt:        res.UpdatedAt,
		SpecialRequests:  res.GuestMessage,
		Raw:              raw,
	}, nil
}

func (a *Airbnb) GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error) {
	var bookings []PlatformBooking
	for offset := 0; ; offset += airbnbPageSize {
		params := map[string]string{
			"listing_id": remoteProperty,
			"_limit":     fmt.Sprintf("%d", airbnbPageSize),
			"_offset":    fmt.Sprintf("%d", offset),
		}
		if !since.IsZero() {
			params["_updated_at_min"] = since.UTC().Format(time.RFC3339)
		}
		if statusFilter != "" {
			params["status"] = statusFilter
		}
		resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(params).Get("/reservations")
		})
		if err != nil {
			return nil, err
		}
		var page struct {
			Data struct {
				Reservations []json.RawMessage `json:"reservations"`
			} `json:"data"`
		}
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, a.decodeError(err)
		}
		if len(page.Data.Reservations) == 0 {
			break
		}
		for _, raw := range page.Data.Reservations {
			booking, err := a.mapReservation(raw)
			if err != nil {
				a.logger.Warn("skipping unparseable reservation", zap.Error(err))
				continue
			}
			bookings = append(bookings, *booking)
		}
		if len(page.Data.Reservations) < airbnbPageSize {
			break
		}
	}
	return bookings, nil
}

func (a *Airbnb) GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error) {
	resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/reservations/%s", bookingID))
	})
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data struct {
			Reservation json.RawMessage `json:"reservation"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, a.decodeError(err)
	}
	raw := envelope.Data.Reservation
	if len(raw) == 0 {
		raw = resp.Body()
	}
	return a.mapReservation(raw)
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

var airbnbEvents = map[string]model.EventType{
	"reservation.created":            model.EventBookingCreated,
	"reservation.accepted":           model.EventBookingConfirmed,
	"reservation.declined":           model.EventBookingDeclined,
	"reservation.cancelled":          model.EventBookingCancelled,
	"reservation.cancelled_by_host":  model.EventBookingCancelled,
	"reservation.cancelled_by_guest": model.EventBookingCancelled,
	"reservation.updated":            model.EventBookingUpdated,
	"reservation.checkout_completed": model.EventBookingCheckedOut,
}

func (a *Airbnb) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMACSHA256(payload, signature, a.creds.WebhookSecret)
}

type airbnbWebhookPayload struct {
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	Reservation struct {
		ConfirmationCode string      `json:"confirmation_code"`
		ListingID        json.Number `json:"listing_id"`
		UpdatedAt        string      `json:"updated_at"`
	} `json:"reservation"`
}

func (a *Airbnb) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var wh airbnbWebhookPayload
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, a.decodeError(err)
	}
	eventType := wh.EventType
	if mapped, ok := airbnbEvents[wh.EventType]; ok {
		eventType = string(mapped)
	}
	return &WebhookEvent{
		Channel:          model.ChannelAirbnb,
		Type:             eventType,
		EventID:          wh.EventID,
		BookingID:        wh.Reservation.ConfirmationCode,
		RemotePropertyID: wh.Reservation.ListingID.String(),
		UpdatedAt:        wh.Reservation.UpdatedAt,
		Timestamp:        wh.Timestamp,
		Raw:              json.RawMessage(payload),
	}, nil
}

func (a *Airbnb) ParseWebhookBooking(payload []byte) (*PlatformBooking, error) {
	var envelope struct {
		Reservation json.RawMessage `json:"reservation"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, a.decodeError(err)
	}
	if len(envelope.Reservation) == 0 {
		return nil, &Error{Channel: model.ChannelAirbnb, Kind: ErrValidation, Message: "webhook payload has no reservation"}
	}
	return a.mapReservation(envelope.Reservation)
}
