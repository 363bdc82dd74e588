package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, zap.NewNop()), client
}

func TestEnqueueImmediate(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeBookingImport, map[string]string{"booking_id": "B-1"},
		WithMaxAttempts(ImportMaxAttempts))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty id")
	}

	entries, err := client.XRange(ctx, Stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(entries))
	}

	var envelope Task
	if err := json.Unmarshal([]byte(entries[0].Values["task"].(string)), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.ID != id || envelope.Type != TypeBookingImport {
		t.Errorf("envelope = %+v", envelope)
	}
	if envelope.Attempt != 1 || envelope.MaxAttempts != ImportMaxAttempts {
		t.Errorf("attempts = %d/%d", envelope.Attempt, envelope.MaxAttempts)
	}

	var payload map[string]string
	if err := envelope.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload["booking_id"] != "B-1" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDelayedTaskMovesWhenDue(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	if _, err := q.Enqueue(ctx, TypeBookingExpire, map[string]string{"booking_id": "B-1"},
		WithDelay(30*time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if n, _ := client.XLen(ctx, Stream).Result(); n != 0 {
		t.Fatalf("stream has %d entries before due time", n)
	}
	if n, _ := client.ZCard(ctx, delayedSet).Result(); n != 1 {
		t.Fatalf("delayed set has %d entries, want 1", n)
	}

	// Not due yet.
	moved, err := q.MoveDue(ctx)
	if err != nil {
		t.Fatalf("MoveDue: %v", err)
	}
	if moved != 0 {
		t.Fatalf("moved %d tasks early", moved)
	}

	now = now.Add(31 * time.Minute)
	moved, err = q.MoveDue(ctx)
	if err != nil {
		t.Fatalf("MoveDue after delay: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if n, _ := client.XLen(ctx, Stream).Result(); n != 1 {
		t.Errorf("stream has %d entries after move", n)
	}
	if n, _ := client.ZCard(ctx, delayedSet).Result(); n != 0 {
		t.Errorf("delayed set still has %d entries", n)
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("first EnsureGroup: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("second EnsureGroup: %v", err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	wantBase := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 32 * time.Second, 32 * time.Second,
	}
	for attempt := 1; attempt <= len(wantBase); attempt++ {
		base := wantBase[attempt-1]
		got := Backoff(attempt)
		if got < base || got >= base+base/2 {
			t.Errorf("Backoff(%d) = %v, want in [%v, %v)", attempt, got, base, base+base/2)
		}
	}
}

func envelopeMessage(t *testing.T, task Task) redis.XMessage {
	t.Helper()
	body, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return redis.XMessage{ID: "1-1", Values: map[string]any{"task": string(body)}}
}

func TestProcessRetriesThroughDelayedSet(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	calls := 0
	w := q.Worker("worker-test-1", map[string]Handler{
		TypeAvailabilityPush: func(ctx context.Context, task *Task) error {
			calls++
			return errors.New("channel unreachable")
		},
	})

	w.process(ctx, envelopeMessage(t, Task{
		ID: "t-1", Type: TypeAvailabilityPush, Attempt: 1, MaxAttempts: 3,
		Payload: json.RawMessage(`{}`),
	}))

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	members, err := client.ZRange(ctx, delayedSet, 0, -1).Result()
	if err != nil {
		t.Fatalf("zrange delayed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("delayed set has %d members, want 1", len(members))
	}
	var next Task
	if err := json.Unmarshal([]byte(members[0]), &next); err != nil {
		t.Fatalf("unmarshal retry envelope: %v", err)
	}
	if next.ID != "t-1" || next.Attempt != 2 || next.MaxAttempts != 3 {
		t.Errorf("retry envelope = %+v", next)
	}
}

func TestProcessDropsAfterMaxAttempts(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	w := q.Worker("worker-test-1", map[string]Handler{
		TypeAvailabilityPush: func(ctx context.Context, task *Task) error {
			return errors.New("still broken")
		},
	})

	w.process(ctx, envelopeMessage(t, Task{
		ID: "t-1", Type: TypeAvailabilityPush, Attempt: 3, MaxAttempts: 3,
		Payload: json.RawMessage(`{}`),
	}))

	if n, _ := client.ZCard(ctx, delayedSet).Result(); n != 0 {
		t.Errorf("dead task was re-enqueued (%d delayed members)", n)
	}
}

func TestProcessIgnoresUnknownType(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	w := q.Worker("worker-test-1", map[string]Handler{})
	w.process(ctx, envelopeMessage(t, Task{
		ID: "t-1", Type: "nonsense.task", Attempt: 1, MaxAttempts: 3,
		Payload: json.RawMessage(`{}`),
	}))

	if n, _ := client.ZCard(ctx, delayedSet).Result(); n != 0 {
		t.Errorf("unhandled task was re-enqueued (%d delayed members)", n)
	}
}

func TestWorkerRunConsumesFromStream(t *testing.T) {
	q, client := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	w := q.Worker("worker-test-1", map[string]Handler{
		TypeBookingFanout: func(ctx context.Context, task *Task) error {
			var payload map[string]string
			if err := task.Decode(&payload); err != nil {
				return err
			}
			done <- payload["booking_id"]
			return nil
		},
	})

	if _, err := q.Enqueue(ctx, TypeBookingFanout, map[string]string{"booking_id": "B-9"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case got := <-done:
		if got != "B-9" {
			t.Errorf("handler saw booking %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never processed the task")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}

	// The entry was acked and deleted after processing.
	if n, _ := client.XLen(context.Background(), Stream).Result(); n != 0 {
		t.Errorf("stream still has %d entries", n)
	}
}
