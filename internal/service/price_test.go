package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferienwerk/channelmanager/internal/model"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func testProperty(t *testing.T) *model.Property {
	t.Helper()
	return &model.Property{
		BasePrice:   dec(t, "150"),
		CleaningFee: dec(t, "50"),
		Currency:    "EUR",
		TaxRate:     dec(t, "7"),
		TaxIncluded: false,
	}
}

func TestPriceQuoteBasePrice(t *testing.T) {
	checkIn := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	checkOut := time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC)

	quote, err := PriceQuote(testProperty(t), nil, checkIn, checkOut)
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}

	if quote.Nights != 4 {
		t.Errorf("nights = %d, want 4", quote.Nights)
	}
	if !quote.Subtotal.Equal(dec(t, "600")) {
		t.Errorf("subtotal = %s, want 600", quote.Subtotal)
	}
	if !quote.ServiceFee.Equal(dec(t, "32.50")) {
		t.Errorf("service fee = %s, want 32.50", quote.ServiceFee)
	}
	// (600 + 50 + 32.50) × 7% = 47.775 → rounds up to 47.78.
	if !quote.Taxes.Equal(dec(t, "47.78")) {
		t.Errorf("taxes = %s, want 47.78", quote.Taxes)
	}
	if !quote.Total.Equal(dec(t, "730.28")) {
		t.Errorf("total = %s, want 730.28", quote.Total)
	}
	if !quote.NightlyRate.Equal(dec(t, "150")) {
		t.Errorf("nightly rate = %s, want 150", quote.NightlyRate)
	}
	if quote.Currency != "EUR" {
		t.Errorf("currency = %s, want EUR", quote.Currency)
	}
}

func TestPriceQuoteUsesCalendarOverrides(t *testing.T) {
	property := testProperty(t)
	property.CleaningFee = decimal.Zero
	property.TaxIncluded = true

	checkIn := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	checkOut := time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC)

	override := dec(t, "180.50")
	outside := dec(t, "999")
	calendar := []model.CalendarDay{
		{Date: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), PriceOverride: &override},
		{Date: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), PriceOverride: &override},
		{Date: time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		// Check-out day is not a night of the stay.
		{Date: time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC), PriceOverride: &outside},
	}

	quote, err := PriceQuote(property, calendar, checkIn, checkOut)
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}

	// 180.50 + 180.50 + 150 = 511.
	if !quote.Subtotal.Equal(dec(t, "511")) {
		t.Errorf("subtotal = %s, want 511", quote.Subtotal)
	}
	if !quote.Taxes.Equal(decimal.Zero) {
		t.Errorf("taxes = %s, want 0 for tax-included property", quote.Taxes)
	}
	if !quote.ServiceFee.Equal(dec(t, "25.55")) {
		t.Errorf("service fee = %s, want 25.55", quote.ServiceFee)
	}
	if !quote.NightlyRate.Equal(dec(t, "170.33")) {
		t.Errorf("nightly rate = %s, want 170.33", quote.NightlyRate)
	}
}

func TestPriceQuoteServiceFeeRoundsHalfUp(t *testing.T) {
	property := testProperty(t)
	property.BasePrice = dec(t, "100.10")
	property.CleaningFee = decimal.Zero
	property.TaxRate = decimal.Zero

	checkIn := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	checkOut := checkIn.AddDate(0, 0, 1)

	quote, err := PriceQuote(property, nil, checkIn, checkOut)
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}
	// 100.10 × 5% = 5.005 → 5.01.
	if !quote.ServiceFee.Equal(dec(t, "5.01")) {
		t.Errorf("service fee = %s, want 5.01", quote.ServiceFee)
	}
}

func TestPriceQuoteRejectsInvalidStay(t *testing.T) {
	day := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	if _, err := PriceQuote(testProperty(t), nil, day, day); err == nil {
		t.Error("expected error for zero-night stay")
	}
	if _, err := PriceQuote(testProperty(t), nil, day, day.AddDate(0, 0, -2)); err == nil {
		t.Error("expected error for check-out before check-in")
	}
}

func TestRefundAmount(t *testing.T) {
	total := dec(t, "730.28")
	today := time.Date(2025, 7, 1, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		checkIn time.Time
		want    string
	}{
		{"ten days out", today.AddDate(0, 0, 10), "730.28"},
		{"exactly seven days", time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC), "730.28"},
		{"six days", time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC), "365.14"},
		{"exactly three days", time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC), "365.14"},
		{"two days", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC), "0"},
		{"same day", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "0"},
		{"check-in already past", time.Date(2025, 6, 28, 0, 0, 0, 0, time.UTC), "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefundAmount(total, tt.checkIn, today)
			if !got.Equal(dec(t, tt.want)) {
				t.Errorf("refund = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAdjustPrice(t *testing.T) {
	pct := model.AdjustPercentage
	fixed := model.AdjustFixedAmount

	markup := dec(t, "15")
	markdown := dec(t, "-10")
	flat := dec(t, "5.50")
	hugeDiscount := dec(t, "-200")

	tests := []struct {
		name    string
		price   string
		adjType *model.PriceAdjustmentType
		value   *decimal.Decimal
		want    string
	}{
		{"no adjustment configured", "100", nil, nil, "100"},
		{"percentage markup", "100", &pct, &markup, "115"},
		{"percentage markdown", "150.50", &pct, &markdown, "135.45"},
		{"fixed amount", "100", &fixed, &flat, "105.50"},
		{"never below zero", "100", &fixed, &hugeDiscount, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustPrice(dec(t, tt.price), tt.adjType, tt.value)
			if !got.Equal(dec(t, tt.want)) {
				t.Errorf("adjusted = %s, want %s", got, tt.want)
			}
		})
	}
}
