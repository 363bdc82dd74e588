package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// ─── Price Configuration ────────────────────────────────────

// serviceFeeRate is the platform fee applied to direct bookings:
// 5% of (subtotal + cleaning fee), rounded to cents half-up.
var serviceFeeRate = decimal.New(5, -2)

// Refund policy (moderate), keyed on days until check-in:
//
//	d ≥ 7      →  100% of total
//	3 ≤ d < 7  →   50% of total
//	d < 3      →    0%
var refundHalfRate = decimal.New(5, -1)

const (
	refundFullDays = 7
	refundHalfDays = 3
)

// ─── Quote ──────────────────────────────────────────────────

// Quote is the price breakdown for a stay.
type Quote struct {
	Nights      int             `json:"nights"`
	NightlyRate decimal.Decimal `json:"nightly_rate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	CleaningFee decimal.Decimal `json:"cleaning_fee"`
	ServiceFee  decimal.Decimal `json:"service_fee"`
	Taxes       decimal.Decimal `json:"taxes"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

// PriceQuote computes the breakdown for a stay on one property.
//
// Per-night price is the calendar override when one exists for that date,
// else the property base price. Formula:
//
//	subtotal    = Σ nightly
//	service_fee = (subtotal + cleaning_fee) × 5%
//	taxes       = (subtotal + cleaning_fee + service_fee) × tax_rate   (unless tax-included)
//	total       = subtotal + cleaning_fee + service_fee + taxes
//
// All intermediate amounts round to cents half-up. The calendar slice may
// cover any superset of [checkIn, checkOut); days outside the stay are
// ignored.
func PriceQuote(property *model.Property, calendar []model.CalendarDay, checkIn, checkOut time.Time) (*Quote, error) {
	nights := int(checkOut.Sub(checkIn).Hours() / 24)
	if nights < 1 {
		return nil, fmt.Errorf("invalid stay: check-out %s not after check-in %s",
			checkOut.Format("2006-01-02"), checkIn.Format("2006-01-02"))
	}

	overrides := make(map[string]decimal.Decimal, len(calendar))
	for _, day := range calendar {
		if day.PriceOverride != nil {
			overrides[day.Date.Format("2006-01-02")] = *day.PriceOverride
		}
	}

	subtotal := decimal.Zero
	for d := checkIn; d.Before(checkOut); d = d.AddDate(0, 0, 1) {
		nightly := property.BasePrice
		if override, ok := overrides[d.Format("2006-01-02")]; ok {
			nightly = override
		}
		subtotal = subtotal.Add(nightly)
	}
	subtotal = subtotal.Round(2)

	cleaning := property.CleaningFee.Round(2)
	serviceFee := subtotal.Add(cleaning).Mul(serviceFeeRate).Round(2)

	taxes := decimal.Zero
	if !property.TaxIncluded && property.TaxRate.IsPositive() {
		taxable := subtotal.Add(cleaning).Add(serviceFee)
		taxes = taxable.Mul(property.TaxRate).Div(decimal.New(100, 0)).Round(2)
	}

	total := subtotal.Add(cleaning).Add(serviceFee).Add(taxes)

	return &Quote{
		Nights:      nights,
		NightlyRate: subtotal.Div(decimal.New(int64(nights), 0)).Round(2),
		Subtotal:    subtotal,
		CleaningFee: cleaning,
		ServiceFee:  serviceFee,
		Taxes:       taxes,
		Total:       total,
		Currency:    property.Currency,
	}, nil
}

// ─── Refunds ────────────────────────────────────────────────

// RefundAmount returns the refund owed when cancelling a paid booking,
// per the moderate policy table above. Both times are compared at day
// granularity in UTC.
func RefundAmount(total decimal.Decimal, checkIn, today time.Time) decimal.Decimal {
	daysOut := int(dateOnly(checkIn).Sub(dateOnly(today)).Hours() / 24)
	switch {
	case daysOut >= refundFullDays:
		return total
	case daysOut >= refundHalfDays:
		return total.Mul(refundHalfRate).Round(2)
	default:
		return decimal.Zero
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ─── Channel Price Adjustment ───────────────────────────────

// AdjustPrice applies a connection's outbound price adjustment. A
// percentage adjustment of 15 marks prices up 15%; fixed_amount adds a
// flat amount per night. Unconfigured connections pass prices through.
// The result never goes below zero: a misconfigured markdown must not
// push a negative rate to a channel.
func AdjustPrice(price decimal.Decimal, adjType *model.PriceAdjustmentType, adjValue *decimal.Decimal) decimal.Decimal {
	if adjType == nil || adjValue == nil {
		return price
	}
	var adjusted decimal.Decimal
	switch *adjType {
	case model.AdjustPercentage:
		factor := decimal.New(1, 0).Add(adjValue.Div(decimal.New(100, 0)))
		adjusted = price.Mul(factor).Round(2)
	case model.AdjustFixedAmount:
		adjusted = price.Add(*adjValue).Round(2)
	default:
		return price
	}
	if adjusted.IsNegative() {
		return decimal.Zero
	}
	return adjusted
}
