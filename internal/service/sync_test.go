package service

import (
	"testing"
	"time"

	"github.com/ferienwerk/channelmanager/internal/model"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("airbnb", "ABC123", "2025-06-01T10:00:00Z")
	b := IdempotencyKey("airbnb", "ABC123", "2025-06-01T10:00:00Z")
	if a != b {
		t.Fatalf("same inputs produced different keys: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("key length = %d, want 32", len(a))
	}

	c := IdempotencyKey("airbnb", "ABC123", "2025-06-01T10:00:01Z")
	if a == c {
		t.Fatalf("different updated_at produced the same key %q", a)
	}
}

func TestIdempotencyKeyDropsEmptyParts(t *testing.T) {
	with := IdempotencyKey("booking_com", "RES-9", "", "evt-1")
	without := IdempotencyKey("booking_com", "RES-9", "evt-1")
	if with != without {
		t.Fatalf("empty part changed the key: %q vs %q", with, without)
	}
}

func TestAvailabilityRunsEmptyCalendar(t *testing.T) {
	from := date(t, "2025-07-01")
	to := date(t, "2025-07-08")

	runs := availabilityRuns(from, to, nil)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if !run.available || run.minStay != 0 || run.maxStay != 0 {
		t.Errorf("run = %+v, want available with unset stay bounds", run)
	}
	if !run.from.Equal(from) || !run.to.Equal(to) {
		t.Errorf("run range = %s..%s, want %s..%s",
			run.from.Format("2006-01-02"), run.to.Format("2006-01-02"),
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
}

func TestAvailabilityRunsSplitsOnStateChange(t *testing.T) {
	from := date(t, "2025-07-01")
	to := date(t, "2025-07-07")
	minStay := 3

	// 01-02 available, 03-04 blocked, 05 available with min stay, 06 available.
	days := []model.CalendarDay{
		{Date: date(t, "2025-07-03"), Available: false},
		{Date: date(t, "2025-07-04"), Available: false},
		{Date: date(t, "2025-07-05"), Available: true, MinStay: &minStay},
	}

	runs := availabilityRuns(from, to, days)
	if len(runs) != 4 {
		t.Fatalf("runs = %d, want 4: %+v", len(runs), runs)
	}

	type want struct {
		from, to  string
		available bool
		minStay   int
	}
	wants := []want{
		{"2025-07-01", "2025-07-03", true, 0},
		{"2025-07-03", "2025-07-05", false, 0},
		{"2025-07-05", "2025-07-06", true, 3},
		{"2025-07-06", "2025-07-07", true, 0},
	}
	for i, w := range wants {
		got := runs[i]
		if got.from.Format("2006-01-02") != w.from ||
			got.to.Format("2006-01-02") != w.to ||
			got.available != w.available ||
			got.minStay != w.minStay {
			t.Errorf("run %d = {%s %s avail=%t min=%d}, want {%s %s avail=%t min=%d}",
				i, got.from.Format("2006-01-02"), got.to.Format("2006-01-02"), got.available, got.minStay,
				w.from, w.to, w.available, w.minStay)
		}
	}
}

func TestDateBlocksGroupsConsecutiveDates(t *testing.T) {
	dates := []time.Time{
		date(t, "2025-08-01"),
		date(t, "2025-08-02"),
		date(t, "2025-08-03"),
		date(t, "2025-08-10"),
		date(t, "2025-08-12"),
		date(t, "2025-08-13"),
	}

	blocks := dateBlocks(dates)
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3: %+v", len(blocks), blocks)
	}
	wants := [][2]string{
		{"2025-08-01", "2025-08-04"},
		{"2025-08-10", "2025-08-11"},
		{"2025-08-12", "2025-08-14"},
	}
	for i, w := range wants {
		if blocks[i].from.Format("2006-01-02") != w[0] || blocks[i].to.Format("2006-01-02") != w[1] {
			t.Errorf("block %d = %s..%s, want %s..%s",
				i, blocks[i].from.Format("2006-01-02"), blocks[i].to.Format("2006-01-02"), w[0], w[1])
		}
	}
}

func TestDateBlocksEmpty(t *testing.T) {
	if blocks := dateBlocks(nil); blocks != nil {
		t.Fatalf("blocks = %+v, want nil", blocks)
	}
}

func TestParseDateRange(t *testing.T) {
	if _, _, err := parseDateRange("2025-07-01", "2025-07-01"); err == nil {
		t.Error("empty range accepted")
	}
	if _, _, err := parseDateRange("2025-07-02", "2025-07-01"); err == nil {
		t.Error("inverted range accepted")
	}
	if _, _, err := parseDateRange("July 1st", "2025-07-02"); err == nil {
		t.Error("malformed from date accepted")
	}
	from, to, err := parseDateRange("2025-07-01", "2025-07-05")
	if err != nil {
		t.Fatalf("valid range rejected: %v", err)
	}
	if from.Format("2006-01-02") != "2025-07-01" || to.Format("2006-01-02") != "2025-07-05" {
		t.Errorf("range = %s..%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
}
