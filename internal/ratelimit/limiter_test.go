package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ferienwerk/channelmanager/internal/model"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// fakeClock lets tests move the limiter's idea of now.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time          { return c.current }
func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(newTestClient(t), nil)
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	l.now = clock.now
	return l, clock
}

func TestAcquireUpToBurst(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// airbnb: 10/s with burst ceiling 15
	for i := 0; i < 15; i++ {
		ok, err := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
		if !ok {
			t.Fatalf("Acquire() #%d = false, want true", i)
		}
	}

	ok, err := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1)
	if err != nil {
		t.Fatalf("Acquire() over limit error = %v", err)
	}
	if ok {
		t.Fatal("Acquire() over burst = true, want false")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); !ok {
			t.Fatalf("warmup Acquire() #%d denied", i)
		}
	}
	if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
		t.Fatal("Acquire() inside full window = true, want false")
	}

	clock.advance(1100 * time.Millisecond)

	ok, err := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1)
	if err != nil {
		t.Fatalf("Acquire() after window error = %v", err)
	}
	if !ok {
		t.Fatal("Acquire() after window slid = false, want true")
	}
}

func TestBurstThenSmoothing(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
			allowed++
		}
	}
	if allowed != 15 {
		t.Fatalf("burst of 20: allowed = %d, want 15", allowed)
	}

	// Once the first burst ages out, the stragglers get through.
	clock.advance(1050 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); !ok {
			t.Fatalf("retry #%d after window denied", i)
		}
	}
}

func TestAcquireWeight(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// booking_com: 20/60s burst 30
	ok, err := l.Acquire(ctx, model.ChannelBookingCom, "conn-2", 28)
	if err != nil || !ok {
		t.Fatalf("Acquire(weight=28) = %v, %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, model.ChannelBookingCom, "conn-2", 3); ok {
		t.Fatal("Acquire(weight=3) with 28/30 used = true, want false")
	}
	if ok, _ := l.Acquire(ctx, model.ChannelBookingCom, "conn-2", 2); !ok {
		t.Fatal("Acquire(weight=2) with 28/30 used = false, want true")
	}
}

func TestAcquireOrErrorCarriesRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, _ = l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1)
	}

	err := l.AcquireOrError(ctx, model.ChannelAirbnb, "conn-1", 1)
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("AcquireOrError() error = %v, want *LimitExceededError", err)
	}
	if limitErr.RetryAfter <= 0 || limitErr.RetryAfter > time.Second {
		t.Fatalf("RetryAfter = %s, want in (0, 1s]", limitErr.RetryAfter)
	}
	if limitErr.Current != 15 {
		t.Fatalf("Current = %d, want 15", limitErr.Current)
	}
}

func TestConfigOverride(t *testing.T) {
	client := newTestClient(t)
	l := New(client, map[model.ChannelType]Config{
		model.ChannelAirbnb: {MaxRequests: 2, Window: time.Second, Burst: 2},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); !ok {
			t.Fatalf("Acquire() #%d denied under override", i)
		}
	}
	if ok, _ := l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
		t.Fatal("Acquire() beyond override = true, want false")
	}

	// Other channels keep the built-in table.
	if got := l.ConfigFor(model.ChannelExpedia).EffectiveLimit(); got != 75 {
		t.Fatalf("expedia effective limit = %d, want 75", got)
	}
}

func TestRemainingAndReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = l.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1)
	}

	remaining, err := l.Remaining(ctx, model.ChannelAirbnb, "conn-1")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 10 {
		t.Fatalf("Remaining() = %d, want 10", remaining)
	}

	if err := l.Reset(ctx, model.ChannelAirbnb, "conn-1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	count, _ := l.CurrentCount(ctx, model.ChannelAirbnb, "conn-1")
	if count != 0 {
		t.Fatalf("CurrentCount() after reset = %d, want 0", count)
	}
}

func TestTokenBucketConsumesAndRefills(t *testing.T) {
	client := newTestClient(t)
	b := NewTokenBucket(client, nil)
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	b.now = clock.now
	ctx := context.Background()

	// airbnb bucket: capacity 15, refill 10/s.
	ok, err := b.Acquire(ctx, model.ChannelAirbnb, "conn-1", 15)
	if err != nil || !ok {
		t.Fatalf("Acquire(15) = %v, %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
		t.Fatal("Acquire() on empty bucket = true, want false")
	}

	clock.advance(500 * time.Millisecond) // refills 5 tokens

	if ok, _ := b.Acquire(ctx, model.ChannelAirbnb, "conn-1", 5); !ok {
		t.Fatal("Acquire(5) after refill = false, want true")
	}
	if ok, _ := b.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
		t.Fatal("Acquire() beyond refilled tokens = true, want false")
	}
}

func newTestAdaptive(t *testing.T) (*AdaptiveLimiter, *fakeClock) {
	t.Helper()
	a := NewAdaptive(newTestClient(t), nil)
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	a.Limiter.now = clock.now
	return a, clock
}

func TestAdaptiveHonorsRetryAfter(t *testing.T) {
	a, clock := newTestAdaptive(t)
	ctx := context.Background()

	if err := a.RecordRemoteRateLimit(ctx, model.ChannelAirbnb, "conn-1", 2*time.Second); err != nil {
		t.Fatalf("RecordRemoteRateLimit() error = %v", err)
	}

	if ok, _ := a.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
		t.Fatal("Acquire() while blocked = true, want false")
	}

	clock.advance(2100 * time.Millisecond)

	if ok, err := a.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); err != nil || !ok {
		t.Fatalf("Acquire() after block expiry = %v, %v", ok, err)
	}
}

func TestAdaptiveShrinksLimitOn429(t *testing.T) {
	a, _ := newTestAdaptive(t)
	ctx := context.Background()

	if err := a.RecordRemoteRateLimit(ctx, model.ChannelAirbnb, "conn-1", 0); err != nil {
		t.Fatalf("RecordRemoteRateLimit() error = %v", err)
	}

	mult, err := a.Multiplier(ctx, model.ChannelAirbnb, "conn-1")
	if err != nil {
		t.Fatalf("Multiplier() error = %v", err)
	}
	if mult != 0.75 {
		t.Fatalf("Multiplier() = %v, want 0.75", mult)
	}

	// floor(15 * 0.75) = 11
	allowed := 0
	for i := 0; i < 15; i++ {
		if ok, _ := a.Acquire(ctx, model.ChannelAirbnb, "conn-1", 1); ok {
			allowed++
		}
	}
	if allowed != 11 {
		t.Fatalf("allowed under shrunk limit = %d, want 11", allowed)
	}
}

func TestAdaptiveMultiplierFloor(t *testing.T) {
	a, _ := newTestAdaptive(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = a.RecordRemoteRateLimit(ctx, model.ChannelAirbnb, "conn-1", 0)
	}
	mult, _ := a.Multiplier(ctx, model.ChannelAirbnb, "conn-1")
	if mult != multiplierMin {
		t.Fatalf("Multiplier() after repeated 429s = %v, want %v", mult, multiplierMin)
	}
}

func TestAdaptiveGrowsAfterSuccessStreak(t *testing.T) {
	a, _ := newTestAdaptive(t)
	ctx := context.Background()

	for i := 0; i < successStreak; i++ {
		if err := a.RecordSuccess(ctx, model.ChannelAirbnb, "conn-1"); err != nil {
			t.Fatalf("RecordSuccess() #%d error = %v", i, err)
		}
	}

	mult, _ := a.Multiplier(ctx, model.ChannelAirbnb, "conn-1")
	if mult < 1.09 || mult > 1.11 {
		t.Fatalf("Multiplier() after streak = %v, want ~1.1", mult)
	}

	// A 429 resets the streak.
	_ = a.RecordRemoteRateLimit(ctx, model.ChannelAirbnb, "conn-1", 0)
	for i := 0; i < successStreak-1; i++ {
		_ = a.RecordSuccess(ctx, model.ChannelAirbnb, "conn-1")
	}
	mult2, _ := a.Multiplier(ctx, model.ChannelAirbnb, "conn-1")
	if mult2 >= mult {
		t.Fatalf("Multiplier() = %v, want below %v until a full new streak", mult2, mult)
	}
}
