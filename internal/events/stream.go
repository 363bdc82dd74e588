// Package events connects the channel manager to the PMS event stream.
//
// The PMS core and the booking flow publish domain events onto one Redis
// stream; the worker consumes them through a consumer group and fans out
// sync tasks. Events are triggers, not state: the stream is capped and a
// consumer that was down too long catches up from the database, not from
// replayed history.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

const (
	// Stream is the PMS event stream; Group the channel manager's group.
	Stream = "pms:events"
	Group  = "channel_manager"

	// maxStreamLen caps the stream (approximate trim on publish).
	maxStreamLen = 10_000

	// reclaimIdle is how long an entry may sit unacked on a dead consumer
	// before another consumer takes it over.
	reclaimIdle = 5 * time.Minute
)

// Event is one decoded entry from the stream.
type Event struct {
	ID        string
	Type      model.EventType
	TenantID  uuid.UUID
	Timestamp time.Time
	Payload   json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s (%s): decode payload: %w", e.ID, e.Type, err)
	}
	return nil
}

// ─── Publisher ───────────────────────────────────────────────

// Publisher appends events to the stream.
type Publisher struct {
	redis *redis.Client
	now   func() time.Time
}

// NewPublisher creates a publisher on the shared Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{redis: client, now: time.Now}
}

// Publish appends one event. The payload is JSON-encoded.
func (p *Publisher) Publish(ctx context.Context, eventType model.EventType, tenantID uuid.UUID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: marshal payload: %w", eventType, err)
	}
	err = p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"type":      string(eventType),
			"tenant_id": tenantID.String(),
			"timestamp": p.now().UTC().Format(time.RFC3339Nano),
			"payload":   raw,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: xadd: %w", eventType, err)
	}
	return nil
}

// ─── Consumer ────────────────────────────────────────────────

// Handler processes one event. A non-nil error leaves the entry unacked so
// another pass can retry it.
type Handler func(ctx context.Context, event *Event) error

// Consumer drains the stream for one worker. Call Tick in a loop; each
// tick performs one blocking group read plus a reclaim pass for entries
// stuck on dead consumers.
type Consumer struct {
	redis    *redis.Client
	consumer string
	handlers map[model.EventType]Handler
	logger   *zap.Logger
}

// NewConsumer creates a consumer. Consumer names must be unique per worker
// process.
func NewConsumer(client *redis.Client, consumer string, handlers map[model.EventType]Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		redis:    client,
		consumer: consumer,
		handlers: handlers,
		logger:   logger.With(zap.String("consumer", consumer)),
	}
}

// EnsureGroup creates the consumer group from the start of the stream.
// An already existing group is fine.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", Group, err)
	}
	return nil
}

// Tick performs one consume pass: read up to 10 new entries (blocking at
// most one second), dispatch them, then reclaim stalled entries.
func (c *Consumer) Tick(ctx context.Context) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.consumer,
		Streams:  []string{Stream, ">"},
		Count:    10,
		Block:    time.Second,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.dispatch(ctx, msg)
		}
	}

	c.reclaim(ctx)
	return nil
}

// dispatch routes one entry to its handler and acks on success. Events
// without a handler are acked immediately: the vocabulary is wider than
// this consumer's interests.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	event, err := decodeMessage(msg)
	if err != nil {
		c.logger.Error("event entry malformed", zap.String("message_id", msg.ID), zap.Error(err))
		c.ack(ctx, msg.ID)
		return
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		c.logger.Error("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.redis.XAck(ctx, Stream, Group, id).Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event ack failed", zap.String("message_id", id), zap.Error(err))
	}
}

// reclaim re-dispatches entries whose consumer died before acking.
func (c *Consumer) reclaim(ctx context.Context) {
	msgs, _, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   Stream,
		Group:    Group,
		Consumer: c.consumer,
		MinIdle:  reclaimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("event reclaim failed", zap.Error(err))
		}
		return
	}
	for _, msg := range msgs {
		c.logger.Warn("reclaimed stalled event", zap.String("message_id", msg.ID))
		c.dispatch(ctx, msg)
	}
}

func decodeMessage(msg redis.XMessage) (*Event, error) {
	event := &Event{ID: msg.ID}

	rawType, ok := msg.Values["type"].(string)
	if !ok || rawType == "" {
		return nil, fmt.Errorf("missing type field")
	}
	event.Type = model.EventType(rawType)

	if raw, ok := msg.Values["tenant_id"].(string); ok && raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bad tenant_id %q: %w", raw, err)
		}
		event.TenantID = id
	}
	if raw, ok := msg.Values["timestamp"].(string); ok && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", raw, err)
		}
		event.Timestamp = ts
	}
	if raw, ok := msg.Values["payload"].(string); ok {
		event.Payload = json.RawMessage(raw)
	}
	return event, nil
}
