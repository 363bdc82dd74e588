package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

const (
	bookingXMLBaseURL  = "https://distribution-xml.booking.com/2.0"
	bookingRESTBaseURL = "https://partner.booking.com/json"

	otaNamespace = "http://www.opentravel.org/OTA/2003/05"
	otaTimestamp = "2006-01-02T15:04:05Z"

	bookingPageSize = 100
)

// BookingCom speaks both Booking.com APIs: OTA XML for availability and
// rate pushes, REST for reservation retrieval. Dates in OTA messages are
// inclusive on both ends.
type BookingCom struct {
	baseClient
	xml   *resty.Client
	creds Credentials
	now   func() time.Time
}

func NewBookingCom(creds Credentials, logger *zap.Logger) *BookingCom {
	b := &BookingCom{
		baseClient: newBaseClient(model.ChannelBookingCom, bookingRESTBaseURL, logger),
		creds:      creds,
		now:        time.Now,
	}
	b.http.SetAuthToken(creds.AccessToken)
	b.xml = resty.New().
		SetBaseURL(bookingXMLBaseURL).
		SetTimeout(requestTimeout).
		SetAuthToken(creds.AccessToken).
		SetHeader("Content-Type", "application/xml")
	return b
}

func (b *BookingCom) Channel() model.ChannelType { return model.ChannelBookingCom }

// ─── OTA XML Plumbing ───────────────────────────────────────────────────────

func newOTADocument(root string, timestamp time.Time) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	el := doc.CreateElement(root)
	el.CreateAttr("xmlns", otaNamespace)
	el.CreateAttr("Version", "1.0")
	el.CreateAttr("TimeStamp", timestamp.UTC().Format(otaTimestamp))
	return doc, el
}

// findAll walks the tree matching on local tag name, so responses using
// an explicit ota: prefix parse the same as default-namespace ones.
func findAll(root *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == tag {
			out = append(out, e)
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return out
}

func findChild(e *etree.Element, tag string) *etree.Element {
	for _, child := range e.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func (b *BookingCom) doXML(ctx context.Context, endpoint string, doc *etree.Document) (*etree.Document, error) {
	body, err := doc.WriteToString()
	if err != nil {
		return nil, &Error{Channel: b.channel, Kind: ErrValidation, Message: fmt.Sprintf("serialize request: %v", err)}
	}
	resp, err := b.xml.R().SetContext(ctx).SetBody(body).Post(endpoint)
	if err != nil {
		return nil, &Error{Channel: b.channel, Kind: ErrTransient, Message: err.Error()}
	}
	if resp.IsError() {
		return nil, translateHTTP(b.channel, resp)
	}
	out := etree.NewDocument()
	if err := out.ReadFromBytes(resp.Body()); err != nil {
		return nil, b.decodeError(err)
	}
	if err := b.checkOTAResponse(out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkOTAResponse surfaces OTA-level failures: a 200 response can still
// carry Error elements in its body.
func (b *BookingCom) checkOTAResponse(doc *etree.Document) error {
	root := doc.Root()
	if root == nil {
		return &Error{Channel: b.channel, Kind: ErrValidation, Message: "empty OTA response"}
	}
	if errs := findAll(root, "Error"); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.SelectAttrValue("ShortText", "unknown error"))
		}
		return &Error{Channel: b.channel, Kind: ErrValidation, Message: fmt.Sprintf("OTA errors: %v", msgs)}
	}
	for _, w := range findAll(root, "Warning") {
		b.logger.Warn("OTA warning", zap.String("short_text", w.SelectAttrValue("ShortText", "")))
	}
	return nil
}

// ─── Availability ───────────────────────────────────────────────────────────

func (b *BookingCom) UpdateAvailability(ctx context.Context, remoteProperty string, start, end time.Time, available bool, minStay, maxStay int) error {
	doc, root := newOTADocument("OTA_HotelAvailNotifRQ", b.now())
	messages := root.CreateElement("AvailStatusMessages")
	messages.CreateAttr("HotelCode", remoteProperty)
	msg := messages.CreateElement("AvailStatusMessage")

	ctrl := msg.CreateElement("StatusApplicationControl")
	ctrl.CreateAttr("Start", start.Format(DateFormat))
	ctrl.CreateAttr("End", end.AddDate(0, 0, -1).Format(DateFormat))
	ctrl.CreateAttr("InvTypeCode", "ROOM")
	ctrl.CreateAttr("RatePlanCode", "DEFAULT")

	lengths := msg.CreateElement("LengthsOfStay")
	minLOS := lengths.CreateElement("LengthOfStay")
	minLOS.CreateAttr("MinMaxMessageType", "MinLOS")
	if minStay < 1 {
		minStay = 1
	}
	minLOS.CreateAttr("Time", strconv.Itoa(minStay))
	if maxStay > 0 {
		maxLOS := lengths.CreateElement("LengthOfStay")
		maxLOS.CreateAttr("MinMaxMessageType", "MaxLOS")
		maxLOS.CreateAttr("Time", strconv.Itoa(maxStay))
	}

	limit := msg.CreateElement("BookingLimit")
	if available {
		limit.SetText("1")
	} else {
		limit.SetText("0")
	}

	_, err := b.doXML(ctx, "/availability", doc)
	return err
}

func (b *BookingCom) GetAvailability(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]bool, error) {
	doc, root := newOTADocument("OTA_HotelAvailRQ", b.now())
	segment := root.CreateElement("AvailRequestSegments").CreateElement("AvailRequestSegment")
	criterion := segment.CreateElement("HotelSearchCriteria").CreateElement("Criterion")
	hotelRef := criterion.CreateElement("HotelRef")
	hotelRef.CreateAttr("HotelCode", remoteProperty)
	stayRange := segment.CreateElement("StayDateRange")
	stayRange.CreateAttr("Start", start.Format(DateFormat))
	stayRange.CreateAttr("End", end.AddDate(0, 0, -1).Format(DateFormat))

	resp, err := b.doXML(ctx, "/availability/get", doc)
	if err != nil {
		return nil, err
	}
	return b.parseAvailability(resp)
}

func (b *BookingCom) parseAvailability(doc *etree.Document) (map[string]bool, error) {
	avail := make(map[string]bool)
	for _, msg := range findAll(doc.Root(), "AvailStatusMessage") {
		ctrl := findChild(msg, "StatusApplicationControl")
		if ctrl == nil {
			continue
		}
		start, err := parseDate(b.channel, ctrl.SelectAttrValue("Start", ""))
		if err != nil {
			return nil, err
		}
		end, err := parseDate(b.channel, ctrl.SelectAttrValue("End", ""))
		if err != nil {
			return nil, err
		}
		available := true
		if limit := findChild(msg, "BookingLimit"); limit != nil {
			n, _ := strconv.Atoi(limit.Text())
			available = n > 0
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			avail[d.Format(DateFormat)] = available
		}
	}
	return avail, nil
}

// ─── Pricing ────────────────────────────────────────────────────────────────

func (b *BookingCom) UpdatePricing(ctx context.Context, remoteProperty string, day time.Time, price decimal.Decimal, currency string) error {
	return b.UpdatePricingBulk(ctx, remoteProperty, map[string]decimal.Decimal{day.Format(DateFormat): price}, currency)
}

func (b *BookingCom) UpdatePricingBulk(ctx context.Context, remoteProperty string, prices map[string]decimal.Decimal, currency string) error {
	dates := make([]string, 0, len(prices))
	for date := range prices {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	doc, root := newOTADocument("OTA_HotelRatePlanNotifRQ", b.now())
	for _, date := range dates {
		plans := root.CreateElement("RatePlanNotifRQ").CreateElement("RatePlans")
		plans.CreateAttr("HotelCode", remoteProperty)
		plan := plans.CreateElement("RatePlan")
		plan.CreateAttr("RatePlanCode", "DEFAULT")
		rate := plan.CreateElement("Rates").CreateElement("Rate")
		rate.CreateAttr("Start", date)
		rate.CreateAttr("End", date)
		amt := rate.CreateElement("BaseByGuestAmts").CreateElement("BaseByGuestAmt")
		amt.CreateAttr("AmountAfterTax", prices[date].StringFixed(2))
		amt.CreateAttr("CurrencyCode", currency)
		amt.CreateAttr("NumberOfGuests", "2")
	}

	_, err := b.doXML(ctx, "/rates", doc)
	return err
}

func (b *BookingCom) GetPricing(ctx context.Context, remoteProperty string, start, end time.Time) (map[string]decimal.Decimal, error) {
	doc, root := newOTADocument("OTA_HotelRatePlanRQ", b.now())
	plan := root.CreateElement("RatePlans").CreateElement("RatePlan")
	plan.CreateAttr("HotelCode", remoteProperty)
	dateRange := plan.CreateElement("DateRange")
	dateRange.CreateAttr("Start", start.Format(DateFormat))
	dateRange.CreateAttr("End", end.AddDate(0, 0, -1).Format(DateFormat))

	resp, err := b.doXML(ctx, "/rates/get", doc)
	if err != nil {
		return nil, err
	}
	return b.parseRates(resp)
}

func (b *BookingCom) parseRates(doc *etree.Document) (map[string]decimal.Decimal, error) {
	pricing := make(map[string]decimal.Decimal)
	for _, rate := range findAll(doc.Root(), "Rate") {
		start, err := parseDate(b.channel, rate.SelectAttrValue("Start", ""))
		if err != nil {
			return nil, err
		}
		end, err := parseDate(b.channel, rate.SelectAttrValue("End", ""))
		if err != nil {
			return nil, err
		}
		amtEls := findAll(rate, "BaseByGuestAmt")
		if len(amtEls) == 0 {
			continue
		}
		amount, err := decimal.NewFromString(amtEls[0].SelectAttrValue("AmountAfterTax", "0"))
		if err != nil {
			continue
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			pricing[d.Format(DateFormat)] = amount
		}
	}
	return pricing, nil
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type bookingComGuest struct {
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Email     string      `json:"email"`
	Telephone string      `json:"telephone"`
	GuestID   json.Number `json:"guest_id"`
}

type bookingComReservation struct {
	ReservationID json.Number     `json:"reservation_id"`
	HotelID       json.Number     `json:"hotel_id"`
	Status        string          `json:"status"`
	ArrivalDate   string          `json:"arrival_date"`
	DepartureDate string          `json:"departure_date"`
	Guest         bookingComGuest `json:"guest"`
	Room          struct {
		NumberOfGuests int `json:"number_of_guests"`
		Adults         int `json:"adults"`
		Children       int `json:"children"`
	} `json:"room"`
	TotalPrice   json.Number `json:"total_price"`
	CurrencyCode string      `json:"currency_code"`
	BookedAt     string      `json:"booked_at"`
	ModifiedAt   string      `json:"modified_at"`
	Remarks      string      `json:"remarks"`
}

func (b *BookingCom) mapReservation(raw json.RawMessage) (*PlatformBooking, error) {
	var res bookingComReservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, b.decodeError(err)
	}
	checkIn, err := parseDate(b.channel, res.ArrivalDate)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDate(b.channel, res.DepartureDate)
	if err != nil {
		return nil, err
	}
	total, _ := decimal.NewFromString(res.TotalPrice.String())
	currency := res.CurrencyCode
	if currency == "" {
		currency = "EUR"
	}
	guests := res.Room.NumberOfGuests
	if guests == 0 {
		guests = 2
	}
	adults := res.Room.Adults
	if adults == 0 {
		adults = 2
	}
	updatedAt := res.ModifiedAt
	if updatedAt == "" {
		updatedAt = res.BookedAt
	}
	return &PlatformBooking{
		ChannelBookingID: res.ReservationID.String(),
		RemotePropertyID: res.HotelID.String(),
		ChannelStatus:    res.Status,
		GuestFirstName:   res.Guest.FirstName,
		GuestLastName:    res.Guest.LastName,
		GuestEmail:       res.Guest.Email,
		GuestPhone:       res.Guest.Telephone,
		GuestRemoteID:    res.Guest.GuestID.String(),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Guests:           guests,
		Adults:           adults,
		Children:         res.Room.Children,
		TotalPrice:       total,
		Currency:         currency,
		BookedAt:         res.BookedAt,
		UpdatedAt:        updatedAt,
		SpecialRequests:  res.Remarks,
		Raw:              raw,
	}, nil
}

func (b *BookingCom) GetBookings(ctx context.Context, remoteProperty string, since time.Time, statusFilter string) ([]PlatformBooking, error) {
	var bookings []PlatformBooking
	for page := 0; ; page++ {
		params := map[string]string{
			"hotel_id": remoteProperty,
			"rows":     fmt.Sprintf("%d", bookingPageSize),
			"page":     fmt.Sprintf("%d", page),
		}
		if !since.IsZero() {
			params["changed_since"] = since.UTC().Format("2006-01-02 15:04:05")
		}
		if statusFilter != "" {
			params["status"] = statusFilter
		}
		resp, err := b.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(params).Get("/reservations")
		})
		if err != nil {
			return nil, err
		}
		var pageBody struct {
			Reservations []json.RawMessage `json:"reservations"`
		}
		if err := json.Unmarshal(resp.Body(), &pageBody); err != nil {
			return nil, b.decodeError(err)
		}
		if len(pageBody.Reservations) == 0 {
			break
		}
		for _, raw := range pageBody.Reservations {
			booking, err := b.mapReservation(raw)
			if err != nil {
				b.logger.Warn("skipping unparseable reservation", zap.Error(err))
				continue
			}
			bookings = append(bookings, *booking)
		}
		if len(pageBody.Reservations) < bookingPageSize {
			break
		}
	}
	return bookings, nil
}

func (b *BookingCom) GetBooking(ctx context.Context, remoteProperty, bookingID string) (*PlatformBooking, error) {
	resp, err := b.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/reservations/%s", bookingID))
	})
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Reservation json.RawMessage `json:"reservation"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, b.decodeError(err)
	}
	raw := envelope.Reservation
	if len(raw) == 0 {
		raw = resp.Body()
	}
	return b.mapReservation(raw)
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

func (b *BookingCom) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMACSHA256(payload, signature, b.creds.WebhookSecret)
}

// Booking.com push notifications carry no event type field. The event is
// derived from the reservation status.
func bookingComEventType(status string) model.EventType {
	switch status {
	case "new":
		return model.EventBookingCreated
	case "modified":
		return model.EventBookingUpdated
	case "cancelled":
		return model.EventBookingCancelled
	case "no_show":
		return model.EventBookingNoShow
	default:
		return model.EventBookingUpdated
	}
}

func (b *BookingCom) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var wh struct {
		ReservationID json.Number `json:"reservation_id"`
		HotelID       json.Number `json:"hotel_id"`
		Status        string      `json:"status"`
		UpdatedAt     string      `json:"updated_at"`
		ModifiedAt    string      `json:"modified_at"`
	}
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, b.decodeError(err)
	}
	updatedAt := wh.UpdatedAt
	if updatedAt == "" {
		updatedAt = wh.ModifiedAt
	}
	return &WebhookEvent{
		Channel:          model.ChannelBookingCom,
		Type:             string(bookingComEventType(strings.ToLower(wh.Status))),
		EventID:          wh.ReservationID.String(),
		BookingID:        wh.ReservationID.String(),
		RemotePropertyID: wh.HotelID.String(),
		UpdatedAt:        updatedAt,
		Timestamp:        b.now().UTC().Format(time.RFC3339),
		Raw:              json.RawMessage(payload),
	}, nil
}

func (b *BookingCom) ParseWebhookBooking(payload []byte) (*PlatformBooking, error) {
	return b.mapReservation(json.RawMessage(payload))
}
