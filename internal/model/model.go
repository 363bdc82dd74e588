// Package model contains domain models for the channel manager.
// These structs map to the PostgreSQL schema defined in migrations/000001_init_schema.up.sql.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ─── Enums ──────────────────────────────────────────────────

// ChannelType identifies a distribution channel.
type ChannelType string

const (
	ChannelAirbnb     ChannelType = "airbnb"
	ChannelBookingCom ChannelType = "booking_com"
	ChannelExpedia    ChannelType = "expedia"
	ChannelFeWoDirekt ChannelType = "fewo_direkt"
	ChannelGoogle     ChannelType = "google"
)

// AllChannels lists every supported channel in stable order.
func AllChannels() []ChannelType {
	return []ChannelType{
		ChannelAirbnb,
		ChannelBookingCom,
		ChannelExpedia,
		ChannelFeWoDirekt,
		ChannelGoogle,
	}
}

// Valid reports whether t names a supported channel.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelAirbnb, ChannelBookingCom, ChannelExpedia, ChannelFeWoDirekt, ChannelGoogle:
		return true
	}
	return false
}

func (t ChannelType) String() string { return string(t) }

// ConnectionStatus is the lifecycle state of a channel connection.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionPaused  ConnectionStatus = "paused"
	ConnectionError   ConnectionStatus = "error"
	ConnectionExpired ConnectionStatus = "expired"
)

// SyncDirection restricts which way data flows for a connection.
type SyncDirection string

const (
	SyncBidirectional SyncDirection = "bidirectional"
	SyncInboundOnly   SyncDirection = "inbound_only"
	SyncOutboundOnly  SyncDirection = "outbound_only"
)

// PriceAdjustmentType selects how a connection adjusts outbound prices.
type PriceAdjustmentType string

const (
	AdjustPercentage  PriceAdjustmentType = "percentage"
	AdjustFixedAmount PriceAdjustmentType = "fixed_amount"
)

// SyncType classifies a sync operation for logging and metrics.
type SyncType string

const (
	SyncAvailability   SyncType = "availability"
	SyncPricing        SyncType = "pricing"
	SyncBookingImport  SyncType = "booking_import"
	SyncPoll           SyncType = "poll"
	SyncReconciliation SyncType = "reconciliation"
	SyncTokenRefresh   SyncType = "token_refresh"
)

// SyncStatus is the state of a sync log row.
type SyncStatus string

const (
	SyncStarted SyncStatus = "started"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// BookingStatus is the canonical booking lifecycle state.
type BookingStatus string

const (
	BookingInquiry    BookingStatus = "inquiry"
	BookingReserved   BookingStatus = "reserved"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingCheckedIn  BookingStatus = "checked_in"
	BookingCheckedOut BookingStatus = "checked_out"
	BookingCancelled  BookingStatus = "cancelled"
	BookingDeclined   BookingStatus = "declined"
	BookingNoShow     BookingStatus = "no_show"
)

// PaymentStatus tracks payment progress for a booking. PaymentExternal marks
// bookings whose money is collected by the originating channel.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
	PaymentExternal PaymentStatus = "external"
)

// SourceDirect marks bookings created through our own booking flow. Imported
// bookings carry their channel type as source.
const SourceDirect = "direct"

// AvailabilityStatus distinguishes why a calendar day is (un)available.
type AvailabilityStatus string

const (
	DayAvailable AvailabilityStatus = "available"
	DayBlocked   AvailabilityStatus = "blocked"
	DayTentative AvailabilityStatus = "tentative"
	DayBooked    AvailabilityStatus = "booked"
)

// TransactionType distinguishes charges from refunds.
type TransactionType string

const (
	TransactionPayment TransactionType = "payment"
	TransactionRefund  TransactionType = "refund"
)

// EventType names the canonical event vocabulary on the pms:events stream.
type EventType string

const (
	EventBookingCreated     EventType = "booking.created"
	EventBookingConfirmed   EventType = "booking.confirmed"
	EventBookingUpdated     EventType = "booking.updated"
	EventBookingCancelled   EventType = "booking.cancelled"
	EventBookingDeclined    EventType = "booking.declined"
	EventBookingNoShow      EventType = "booking.no_show"
	EventBookingCheckedOut  EventType = "booking.checked_out"
	EventAvailabilityUpdate EventType = "availability.updated"
	EventPricingUpdate      EventType = "pricing.updated"
)

// ─── Domain Models ──────────────────────────────────────────

// ChannelConnection maps to the `channel_connections` table. It links one
// property to one remote channel listing.
type ChannelConnection struct {
	ID                   uuid.UUID            `json:"id"`
	TenantID             uuid.UUID            `json:"tenant_id"`
	PropertyID           uuid.UUID            `json:"property_id"`
	ChannelType          ChannelType          `json:"channel_type"`
	RemotePropertyID     string               `json:"remote_property_id"`
	Status               ConnectionStatus     `json:"status"`
	SyncDirection        SyncDirection        `json:"sync_direction"`
	SyncEnabled          bool                 `json:"sync_enabled"`
	SyncAvailability     bool                 `json:"sync_availability"`
	SyncPricing          bool                 `json:"sync_pricing"`
	SyncBookings         bool                 `json:"sync_bookings"`
	PriceAdjustmentType  *PriceAdjustmentType `json:"price_adjustment_type,omitempty"`
	PriceAdjustmentValue *decimal.Decimal     `json:"price_adjustment_value,omitempty"`
	AccessToken          string               `json:"-"`
	RefreshToken         string               `json:"-"`
	TokenExpiresAt       *time.Time           `json:"token_expires_at,omitempty"`
	LastSyncAt           *time.Time           `json:"last_sync_at,omitempty"`
	LastError            *string              `json:"last_error,omitempty"`
	ConsecutiveFailures  int                  `json:"consecutive_failures"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// PushEligible reports whether outbound writes may flow to this connection.
func (c *ChannelConnection) PushEligible() bool {
	return c.Status == ConnectionActive &&
		c.SyncEnabled &&
		c.SyncDirection != SyncInboundOnly
}

// PullEligible reports whether inbound reads (polls, imports) may flow
// from this connection.
func (c *ChannelConnection) PullEligible() bool {
	return c.Status == ConnectionActive &&
		c.SyncEnabled &&
		c.SyncDirection != SyncOutboundOnly
}

// SyncLog maps to the `channel_sync_logs` table.
type SyncLog struct {
	ID             uuid.UUID  `json:"id"`
	ConnectionID   uuid.UUID  `json:"channel_connection_id"`
	SyncType       SyncType   `json:"sync_type"`
	Direction      string     `json:"direction"`
	Status         SyncStatus `json:"status"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Booking maps to the `bookings` table.
type Booking struct {
	ID                 uuid.UUID        `json:"id"`
	TenantID           uuid.UUID        `json:"tenant_id"`
	PropertyID         uuid.UUID        `json:"property_id"`
	GuestID            uuid.UUID        `json:"guest_id"`
	BookingReference   string           `json:"booking_reference"`
	Source             string           `json:"source"`
	ChannelBookingID   *string          `json:"channel_booking_id,omitempty"`
	Status             BookingStatus    `json:"status"`
	PaymentStatus      PaymentStatus    `json:"payment_status"`
	CheckIn            time.Time        `json:"check_in"`
	CheckOut           time.Time        `json:"check_out"`
	GuestsCount        int              `json:"guests_count"`
	NightlyRate        decimal.Decimal  `json:"nightly_rate"`
	Subtotal           decimal.Decimal  `json:"subtotal"`
	CleaningFee        decimal.Decimal  `json:"cleaning_fee"`
	ServiceFee         decimal.Decimal  `json:"service_fee"`
	Taxes              decimal.Decimal  `json:"taxes"`
	TotalPrice         decimal.Decimal  `json:"total_price"`
	Currency           string           `json:"currency"`
	PaymentIntentID    *string          `json:"payment_intent_id,omitempty"`
	PaidAmount         *decimal.Decimal `json:"paid_amount,omitempty"`
	RefundAmount       *decimal.Decimal `json:"refund_amount,omitempty"`
	SpecialRequests    string           `json:"special_requests,omitempty"`
	CancellationReason *string          `json:"cancellation_reason,omitempty"`
	CancelledBy        *string          `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Nights returns the stay length in nights.
func (b *Booking) Nights() int {
	return int(b.CheckOut.Sub(b.CheckIn).Hours() / 24)
}

// Guest maps to the `guests` table, deduplicated per tenant by email.
type Guest struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Phone         string    `json:"phone,omitempty"`
	Source        string    `json:"source"`
	TotalBookings int       `json:"total_bookings"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GuestInvitation maps to the `guest_invitations` table. Only the SHA-256
// hash of the invitation token is stored.
type GuestInvitation struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	GuestID   uuid.UUID  `json:"guest_id"`
	BookingID *uuid.UUID `json:"booking_id,omitempty"`
	Email     string     `json:"email"`
	TokenHash string     `json:"-"`
	Status    string     `json:"status"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// CalendarDay maps to one `calendar_availability` row, a property-date cell.
type CalendarDay struct {
	ID            uuid.UUID          `json:"id"`
	PropertyID    uuid.UUID          `json:"property_id"`
	Date          time.Time          `json:"date"`
	Available     bool               `json:"available"`
	Status        AvailabilityStatus `json:"availability_status"`
	PriceOverride *decimal.Decimal   `json:"price_override,omitempty"`
	MinStay       *int               `json:"min_stay,omitempty"`
	MaxStay       *int               `json:"max_stay,omitempty"`
	BookingID     *uuid.UUID         `json:"booking_id,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Property maps to the `properties` table. It carries the pricing and stay
// rules the booking flow needs; the wider property record is owned by the
// PMS core.
type Property struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Name        string          `json:"name"`
	Address     string          `json:"address,omitempty"`
	City        string          `json:"city,omitempty"`
	Country     string          `json:"country,omitempty"`
	BasePrice   decimal.Decimal `json:"base_price"`
	CleaningFee decimal.Decimal `json:"cleaning_fee"`
	Currency    string          `json:"currency"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TaxIncluded bool            `json:"tax_included"`
	MinStay     int             `json:"min_stay"`
	MaxStay     int             `json:"max_stay"`
	MaxGuests   int             `json:"max_guests"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PaymentTransaction maps to the `payment_transactions` table.
type PaymentTransaction struct {
	ID              uuid.UUID       `json:"id"`
	BookingID       uuid.UUID       `json:"booking_id"`
	Type            TransactionType `json:"type"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentIntentID *string         `json:"stripe_payment_intent_id,omitempty"`
	ChargeID        *string         `json:"stripe_charge_id,omitempty"`
	RefundID        *string         `json:"stripe_refund_id,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
