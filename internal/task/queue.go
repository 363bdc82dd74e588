// Package task is a durable task broker on Redis Streams.
//
// Producers enqueue JSON task envelopes onto one stream; workers consume
// through a consumer group with prefetch 1 and ack only after the handler
// returns. Failed tasks re-enqueue through a delayed sorted set with
// exponential backoff, and entries stuck on a dead worker are reclaimed
// via XAUTOCLAIM once they exceed the hard task time limit.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/metrics"
)

const (
	// Stream is the task stream key; Group the worker consumer group.
	Stream = "tasks:channel_manager"
	Group  = "workers"

	delayedSet = "tasks:channel_manager:delayed"

	// taskTimeout is the hard per-task deadline; softTimeout only logs.
	// Reclaim uses the hard limit as min-idle so an entry is never claimed
	// while its original worker could still be running it.
	taskTimeout  = 300 * time.Second
	softTimeout  = 240 * time.Second
	claimMinIdle = taskTimeout

	// DefaultMaxAttempts applies to outbound writes. Imports and polls use
	// the lower ImportMaxAttempts: their sources retry on their own
	// schedule, so there is less value in hammering.
	DefaultMaxAttempts = 5
	ImportMaxAttempts  = 3
)

// Task types handled by the sync engine.
const (
	TypeAvailabilityPush   = "availability.push"
	TypePricingPush        = "pricing.push"
	TypeBookingImport      = "booking.import"
	TypeBookingFanout      = "booking.fanout"
	TypeCancelImport       = "booking.cancel_import"
	TypeUpdateImport       = "booking.update_import"
	TypePollChannel        = "poll.channel"
	TypeBookingExpire      = "booking.expire"
	TypeNotifyConfirmation = "notify.confirmation"
	TypeNotifyCancellation = "notify.cancellation"
	TypeNotifyInvitation   = "notify.invitation"
)

// backoffSchedule caps at its last entry for later attempts.
var backoffSchedule = []time.Duration{
	2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
}

// Backoff returns the delay before re-running a task that just failed its
// attempt-th attempt (1-based), with up to half the base added as jitter so
// a burst of failures does not retry in lockstep.
func Backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	base := backoffSchedule[idx]
	return base + time.Duration(rand.Int63n(int64(base/2)))
}

// Task is the JSON envelope stored on the stream.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("task %s (%s): decode payload: %w", t.ID, t.Type, err)
	}
	return nil
}

// Handler processes one task. A non-nil error triggers a retry until
// MaxAttempts is reached.
type Handler func(ctx context.Context, task *Task) error

// Queue is the producer side of the broker.
type Queue struct {
	redis  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a queue on the shared Redis client.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{redis: client, logger: logger, now: time.Now}
}

type enqueueOptions struct {
	maxAttempts int
	delay       time.Duration
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueOptions)

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithDelay holds the task in the delayed set until the delay elapses.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue publishes a task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) (string, error) {
	options := enqueueOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal payload: %w", taskType, err)
	}
	t := Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Attempt:     1,
		MaxAttempts: options.maxAttempts,
		EnqueuedAt:  q.now().UTC(),
		Payload:     raw,
	}

	if options.delay > 0 {
		if err := q.enqueueDelayed(ctx, &t, q.now().Add(options.delay)); err != nil {
			return "", err
		}
		return t.ID, nil
	}
	if err := q.push(ctx, &t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (q *Queue) push(ctx context.Context, t *Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal envelope: %w", t.Type, err)
	}
	err = q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		Values: map[string]any{"task": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: xadd: %w", t.Type, err)
	}
	return nil
}

func (q *Queue) enqueueDelayed(ctx context.Context, t *Task, readyAt time.Time) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal envelope: %w", t.Type, err)
	}
	err = q.redis.ZAdd(ctx, delayedSet, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: string(body),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: zadd delayed: %w", t.Type, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, starting from the beginning of the
// stream so tasks enqueued before the first worker boot are not skipped.
// An already existing group is fine.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.redis.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", Group, err)
	}
	return nil
}

// moveDelayedScript atomically drains due members from the delayed set into
// the stream. Without the script a crash between XADD and ZREM would either
// duplicate or lose the task depending on the order.
var moveDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, body in ipairs(due) do
    redis.call('XADD', KEYS[2], '*', 'task', body)
    redis.call('ZREM', KEYS[1], body)
end
return #due
`)

// MoveDue promotes delayed tasks whose ready time has passed. Returns how
// many were promoted (at most 100 per call).
func (q *Queue) MoveDue(ctx context.Context) (int, error) {
	n, err := moveDelayedScript.Run(ctx, q.redis,
		[]string{delayedSet, Stream},
		q.now().Unix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("move due tasks: %w", err)
	}
	return n, nil
}

// RunDelayMover drains the delayed set once a second until ctx is done.
func (q *Queue) RunDelayMover(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.MoveDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("delay mover failed", zap.Error(err))
			}
		}
	}
}

// ─── Worker ─────────────────────────────────────────────────

// Worker consumes tasks for one consumer name. Run one Worker per
// goroutine; consumer names must be unique across the group.
type Worker struct {
	queue    *Queue
	consumer string
	handlers map[string]Handler
	logger   *zap.Logger
}

// Worker builds a consumer bound to this queue.
func (q *Queue) Worker(consumer string, handlers map[string]Handler) *Worker {
	return &Worker{
		queue:    q,
		consumer: consumer,
		handlers: handlers,
		logger:   q.logger.With(zap.String("consumer", consumer)),
	}
}

// Run blocks reading the stream until ctx is cancelled. Prefetch is 1: a
// worker holds at most one unacked task, so slow tasks do not shadow-queue
// behind a busy consumer.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastReclaim) > time.Minute {
			w.reclaimStalled(ctx)
			lastReclaim = time.Now()
		}

		streams, err := w.queue.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: w.consumer,
			Streams:  []string{Stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("task read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.process(ctx, msg)
			}
		}
	}
}

// process runs one stream entry through its handler. The entry is always
// acked and deleted afterwards: retries travel through the delayed set as
// fresh envelopes, and a poison message must not wedge the group.
func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	defer func() {
		pipe := w.queue.redis.Pipeline()
		pipe.XAck(ctx, Stream, Group, msg.ID)
		pipe.XDel(ctx, Stream, msg.ID)
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("task ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	raw, ok := msg.Values["task"].(string)
	if !ok {
		w.logger.Error("task entry missing body", zap.String("message_id", msg.ID))
		metrics.TasksProcessed.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		w.logger.Error("task envelope malformed", zap.String("message_id", msg.ID), zap.Error(err))
		metrics.TasksProcessed.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	handler, ok := w.handlers[t.Type]
	if !ok {
		w.logger.Error("no handler for task type", zap.String("task_type", t.Type), zap.String("task_id", t.ID))
		metrics.TasksProcessed.WithLabelValues(t.Type, "unhandled").Inc()
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	started := time.Now()
	err := handler(taskCtx, &t)
	elapsed := time.Since(started)
	metrics.TaskDurationSeconds.WithLabelValues(t.Type).Observe(elapsed.Seconds())

	if elapsed > softTimeout {
		w.logger.Warn("task exceeded soft time limit",
			zap.String("task_type", t.Type),
			zap.String("task_id", t.ID),
			zap.Duration("elapsed", elapsed),
		)
	}

	if err == nil {
		metrics.TasksProcessed.WithLabelValues(t.Type, "success").Inc()
		return
	}
	w.retry(ctx, &t, err)
}

// retry re-enqueues a failed task through the delayed set, or drops it once
// the attempt budget is spent.
func (w *Worker) retry(ctx context.Context, t *Task, cause error) {
	if t.Attempt >= t.MaxAttempts {
		w.logger.Error("task exhausted retries",
			zap.String("task_type", t.Type),
			zap.String("task_id", t.ID),
			zap.Int("attempts", t.Attempt),
			zap.Error(cause),
		)
		metrics.TasksProcessed.WithLabelValues(t.Type, "dead").Inc()
		return
	}

	delay := Backoff(t.Attempt)
	next := *t
	next.Attempt++
	if err := w.queue.enqueueDelayed(ctx, &next, w.queue.now().Add(delay)); err != nil {
		w.logger.Error("task retry enqueue failed",
			zap.String("task_type", t.Type),
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		metrics.TasksProcessed.WithLabelValues(t.Type, "dead").Inc()
		return
	}

	w.logger.Warn("task failed, retrying",
		zap.String("task_type", t.Type),
		zap.String("task_id", t.ID),
		zap.Int("attempt", t.Attempt),
		zap.Int("max_attempts", t.MaxAttempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	metrics.TasksProcessed.WithLabelValues(t.Type, "retry").Inc()
}

// reclaimStalled takes over entries whose consumer died mid-task. Claimed
// entries are processed by this worker like fresh reads.
func (w *Worker) reclaimStalled(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := w.queue.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   Stream,
			Group:    Group,
			Consumer: w.consumer,
			MinIdle:  claimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("reclaim failed", zap.Error(err))
			}
			return
		}
		for _, msg := range msgs {
			w.logger.Warn("reclaimed stalled task", zap.String("message_id", msg.ID))
			w.process(ctx, msg)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}
