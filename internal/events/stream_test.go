package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

func newTestStream(t *testing.T) (*redis.Client, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewPublisher(client)
	pub.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return client, pub
}

func TestPublishAndConsume(t *testing.T) {
	client, pub := newTestStream(t)
	ctx := context.Background()

	tenant := uuid.New()
	type confirmedPayload struct {
		BookingID string `json:"booking_id"`
		Source    string `json:"source"`
	}

	var got *Event
	consumer := NewConsumer(client, "worker-test", map[model.EventType]Handler{
		model.EventBookingConfirmed: func(ctx context.Context, event *Event) error {
			got = event
			return nil
		},
	}, zap.NewNop())
	if err := consumer.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	err := pub.Publish(ctx, model.EventBookingConfirmed, tenant, confirmedPayload{
		BookingID: "b-1",
		Source:    "direct",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := consumer.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got == nil {
		t.Fatal("handler was not invoked")
	}
	if got.Type != model.EventBookingConfirmed {
		t.Errorf("event type = %s, want booking.confirmed", got.Type)
	}
	if got.TenantID != tenant {
		t.Errorf("tenant = %s, want %s", got.TenantID, tenant)
	}
	if !got.Timestamp.Equal(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %s", got.Timestamp)
	}

	var payload confirmedPayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.BookingID != "b-1" || payload.Source != "direct" {
		t.Errorf("payload = %+v", payload)
	}

	// Dispatched and acked: nothing left pending.
	pending, err := client.XPending(ctx, Stream, Group).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending count = %d, want 0", pending.Count)
	}
}

func TestUnhandledEventIsAcked(t *testing.T) {
	client, pub := newTestStream(t)
	ctx := context.Background()

	consumer := NewConsumer(client, "worker-test", map[model.EventType]Handler{}, zap.NewNop())
	if err := consumer.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := pub.Publish(ctx, model.EventBookingCheckedOut, uuid.New(), map[string]string{"booking_id": "b-2"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := consumer.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	pending, err := client.XPending(ctx, Stream, Group).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending count = %d, want 0 for unhandled type", pending.Count)
	}
}

func TestFailedHandlerLeavesEntryPending(t *testing.T) {
	client, pub := newTestStream(t)
	ctx := context.Background()

	consumer := NewConsumer(client, "worker-test", map[model.EventType]Handler{
		model.EventAvailabilityUpdate: func(ctx context.Context, event *Event) error {
			return context.DeadlineExceeded
		},
	}, zap.NewNop())
	if err := consumer.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := pub.Publish(ctx, model.EventAvailabilityUpdate, uuid.New(), map[string]string{"property_id": "p-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := consumer.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	pending, err := client.XPending(ctx, Stream, Group).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 1 {
		t.Errorf("pending count = %d, want 1 after handler failure", pending.Count)
	}
}

func TestEnsureGroupIdempotentStream(t *testing.T) {
	client, _ := newTestStream(t)
	ctx := context.Background()

	consumer := NewConsumer(client, "worker-test", nil, zap.NewNop())
	for i := 0; i < 2; i++ {
		if err := consumer.EnsureGroup(ctx); err != nil {
			t.Fatalf("EnsureGroup call %d: %v", i+1, err)
		}
	}
}
