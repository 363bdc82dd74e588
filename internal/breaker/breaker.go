// Package breaker implements a three-state circuit breaker whose state
// lives in Redis, shared by every worker process. Workers therefore agree
// on whether a channel is tripped without any cross-process chatter.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// gaugeValue maps states onto the exported gauge (0=closed, 1=open, 2=half_open).
func (s State) gaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config tunes one channel's circuit.
type Config struct {
	FailureThreshold int           // failures in Window before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // time in open before probing
	HalfOpenMaxCalls int           // concurrent probes admitted in half-open
	Window           time.Duration // failure counting window
}

// DefaultConfig applies to channels without a specific entry.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          60 * time.Second,
	HalfOpenMaxCalls: 3,
	Window:           60 * time.Second,
}

// defaultConfigs holds the built-in per-channel tuning. Booking.com gets a
// longer open timeout for its XML API; expedia and google tolerate more
// failures because their rate limits are higher.
var defaultConfigs = map[model.ChannelType]Config{
	model.ChannelAirbnb:     {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second, HalfOpenMaxCalls: 3, Window: 60 * time.Second},
	model.ChannelBookingCom: {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 120 * time.Second, HalfOpenMaxCalls: 3, Window: 60 * time.Second},
	model.ChannelExpedia:    {FailureThreshold: 10, SuccessThreshold: 3, Timeout: 60 * time.Second, HalfOpenMaxCalls: 3, Window: 60 * time.Second},
	model.ChannelFeWoDirekt: {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second, HalfOpenMaxCalls: 3, Window: 60 * time.Second},
	model.ChannelGoogle:     {FailureThreshold: 10, SuccessThreshold: 3, Timeout: 30 * time.Second, HalfOpenMaxCalls: 3, Window: 60 * time.Second},
}

// OpenError is returned while the circuit rejects calls outright.
type OpenError struct {
	Channel    model.ChannelType
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s circuit is open, retry after %s", e.Channel, e.RetryAfter)
}

// HalfOpenSaturatedError is returned when the half-open probe budget is
// already spent.
type HalfOpenSaturatedError struct {
	Channel model.ChannelType
}

func (e *HalfOpenSaturatedError) Error() string {
	return fmt.Sprintf("breaker: %s circuit is half-open and at max probe calls", e.Channel)
}

// Breaker guards one channel. All state reads and writes go to Redis; the
// struct itself is stateless and safe for concurrent use.
type Breaker struct {
	client  *redis.Client
	channel model.ChannelType
	cfg     Config
	exclude func(error) bool
	errType func(error) string
	logger  *zap.Logger
	now     func() time.Time
}

func (b *Breaker) key(field string) string {
	return fmt.Sprintf("circuit_breaker:%s:%s", b.channel, field)
}

// State returns the current circuit state. An open circuit whose timeout
// has elapsed transitions to half-open here, on read, so recovery needs no
// background timer.
func (b *Breaker) State(ctx context.Context) (State, error) {
	val, err := b.client.Get(ctx, b.key("state")).Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return StateClosed, fmt.Errorf("breaker: get state: %w", err)
	}

	state := State(val)
	if state != StateOpen {
		return state, nil
	}

	openedAt, err := b.openedAt(ctx)
	if err != nil {
		return state, err
	}
	if b.now().Sub(openedAt) >= b.cfg.Timeout {
		if err := b.transitionTo(ctx, StateHalfOpen); err != nil {
			return state, err
		}
		return StateHalfOpen, nil
	}
	return StateOpen, nil
}

// Allow checks admission before a remote call. It returns *OpenError while
// open and *HalfOpenSaturatedError when the probe budget is spent; in
// half-open it consumes one probe slot.
func (b *Breaker) Allow(ctx context.Context) error {
	state, err := b.State(ctx)
	if err != nil {
		return err
	}

	switch state {
	case StateOpen:
		openedAt, err := b.openedAt(ctx)
		if err != nil {
			return err
		}
		retryAfter := b.cfg.Timeout - b.now().Sub(openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		metrics.CircuitRejections.WithLabelValues(b.channel.String()).Inc()
		return &OpenError{Channel: b.channel, RetryAfter: retryAfter}

	case StateHalfOpen:
		calls, err := b.client.Get(ctx, b.key("half_open_calls")).Int()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("breaker: half-open calls: %w", err)
		}
		if calls >= b.cfg.HalfOpenMaxCalls {
			return &HalfOpenSaturatedError{Channel: b.channel}
		}
		if err := b.client.Incr(ctx, b.key("half_open_calls")).Err(); err != nil {
			return fmt.Errorf("breaker: count probe: %w", err)
		}
	}
	return nil
}

// RecordSuccess counts a successful call. In half-open, reaching the
// success threshold closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	state, err := b.State(ctx)
	if err != nil {
		return err
	}

	metrics.CircuitSuccesses.WithLabelValues(b.channel.String()).Inc()

	if state != StateHalfOpen {
		return nil
	}

	successes, err := b.client.Incr(ctx, b.key("successes")).Result()
	if err != nil {
		return fmt.Errorf("breaker: count success: %w", err)
	}
	if successes >= int64(b.cfg.SuccessThreshold) {
		if err := b.transitionTo(ctx, StateClosed); err != nil {
			return err
		}
		b.logger.Info("circuit closed after recovery",
			zap.String("channel_type", b.channel.String()),
			zap.Int64("successes", successes))
	}
	return nil
}

// RecordFailure counts a failed call. Excluded errors (business rejections
// like validation or not-found) never trip the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, cause error) error {
	if cause != nil && b.exclude != nil && b.exclude(cause) {
		return nil
	}

	state, err := b.State(ctx)
	if err != nil {
		return err
	}

	errorType := "unknown"
	if cause != nil && b.errType != nil {
		errorType = b.errType(cause)
	}
	metrics.CircuitFailures.WithLabelValues(b.channel.String(), errorType).Inc()

	switch state {
	case StateClosed:
		now := b.now()
		windowStart := float64(now.Add(-b.cfg.Window).UnixNano()) / 1e9
		score := float64(now.UnixNano()) / 1e9
		member := strconv.FormatInt(now.UnixNano(), 10)

		var count *redis.IntCmd
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, b.key("failures"), "0", strconv.FormatFloat(windowStart, 'f', -1, 64))
			pipe.ZAdd(ctx, b.key("failures"), redis.Z{Score: score, Member: member})
			count = pipe.ZCard(ctx, b.key("failures"))
			pipe.Expire(ctx, b.key("failures"), b.cfg.Window*2)
			return nil
		})
		if err != nil {
			return fmt.Errorf("breaker: record failure: %w", err)
		}

		if count.Val() >= int64(b.cfg.FailureThreshold) {
			if err := b.transitionTo(ctx, StateOpen); err != nil {
				return err
			}
			b.logger.Warn("circuit opened",
				zap.String("channel_type", b.channel.String()),
				zap.Int64("failures", count.Val()))
		}

	case StateHalfOpen:
		// Any failure during probing reopens immediately.
		if err := b.transitionTo(ctx, StateOpen); err != nil {
			return err
		}
		b.logger.Warn("circuit reopened after half-open failure",
			zap.String("channel_type", b.channel.String()))
	}
	return nil
}

// Execute runs fn under circuit protection: admission check, then success
// or failure bookkeeping. The original error from fn passes through.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if recErr := b.RecordFailure(ctx, err); recErr != nil {
			b.logger.Error("circuit bookkeeping failed", zap.Error(recErr))
		}
		return err
	}
	if recErr := b.RecordSuccess(ctx); recErr != nil {
		b.logger.Error("circuit bookkeeping failed", zap.Error(recErr))
	}
	return nil
}

// Reset clears all circuit state, returning to closed.
func (b *Breaker) Reset(ctx context.Context) error {
	err := b.client.Del(ctx,
		b.key("state"),
		b.key("failures"),
		b.key("successes"),
		b.key("opened_at"),
		b.key("half_open_calls"),
	).Err()
	if err != nil {
		return fmt.Errorf("breaker: reset: %w", err)
	}
	metrics.CircuitState.WithLabelValues(b.channel.String()).Set(0)
	b.logger.Info("circuit reset", zap.String("channel_type", b.channel.String()))
	return nil
}

// ForceOpen trips the circuit manually. A positive duration shortens or
// extends the usual timeout for this trip only.
func (b *Breaker) ForceOpen(ctx context.Context, duration time.Duration) error {
	if err := b.transitionTo(ctx, StateOpen); err != nil {
		return err
	}
	if duration > 0 {
		openedAt := b.now().Add(-b.cfg.Timeout).Add(duration)
		err := b.client.Set(ctx, b.key("opened_at"), formatUnix(openedAt), 0).Err()
		if err != nil {
			return fmt.Errorf("breaker: force open: %w", err)
		}
	}
	return nil
}

// ForceClose closes the circuit manually.
func (b *Breaker) ForceClose(ctx context.Context) error {
	return b.transitionTo(ctx, StateClosed)
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Channel          model.ChannelType `json:"channel_type"`
	State            State             `json:"state"`
	FailuresInWindow int64             `json:"failures_in_window,omitempty"`
	RetryAfter       float64           `json:"retry_after,omitempty"`
	Successes        int64             `json:"successes,omitempty"`
	CallsInHalfOpen  int64             `json:"calls_in_half_open,omitempty"`
}

// Status reports the current state with the detail relevant to it.
func (b *Breaker) Status(ctx context.Context) (Status, error) {
	state, err := b.State(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Channel: b.channel, State: state}

	switch state {
	case StateClosed:
		st.FailuresInWindow, _ = b.client.ZCard(ctx, b.key("failures")).Result()
	case StateOpen:
		openedAt, err := b.openedAt(ctx)
		if err != nil {
			return st, err
		}
		retry := b.cfg.Timeout - b.now().Sub(openedAt)
		if retry < 0 {
			retry = 0
		}
		st.RetryAfter = retry.Seconds()
	case StateHalfOpen:
		st.Successes, _ = b.client.Get(ctx, b.key("successes")).Int64()
		st.CallsInHalfOpen, _ = b.client.Get(ctx, b.key("half_open_calls")).Int64()
	}
	return st, nil
}

// transitionTo moves the circuit to a new state and resets the counters
// that belong to the state being left.
func (b *Breaker) transitionTo(ctx context.Context, state State) error {
	switch state {
	case StateClosed:
		err := b.client.Del(ctx,
			b.key("failures"), b.key("successes"),
			b.key("opened_at"), b.key("half_open_calls"),
		).Err()
		if err != nil {
			return fmt.Errorf("breaker: clear state: %w", err)
		}
	case StateOpen:
		if err := b.client.Set(ctx, b.key("opened_at"), formatUnix(b.now()), 0).Err(); err != nil {
			return fmt.Errorf("breaker: set opened_at: %w", err)
		}
		if err := b.client.Del(ctx, b.key("successes"), b.key("half_open_calls")).Err(); err != nil {
			return fmt.Errorf("breaker: clear counters: %w", err)
		}
	case StateHalfOpen:
		if err := b.client.Del(ctx, b.key("successes")).Err(); err != nil {
			return fmt.Errorf("breaker: clear successes: %w", err)
		}
		if err := b.client.Set(ctx, b.key("half_open_calls"), 0, 0).Err(); err != nil {
			return fmt.Errorf("breaker: reset probes: %w", err)
		}
	}

	old, err := b.client.Get(ctx, b.key("state")).Result()
	if err == redis.Nil {
		old = string(StateClosed)
	} else if err != nil {
		return fmt.Errorf("breaker: get old state: %w", err)
	}

	if err := b.client.Set(ctx, b.key("state"), string(state), 0).Err(); err != nil {
		return fmt.Errorf("breaker: set state: %w", err)
	}

	metrics.CircuitState.WithLabelValues(b.channel.String()).Set(state.gaugeValue())
	if old != string(state) {
		metrics.CircuitTransitions.WithLabelValues(b.channel.String(), old, string(state)).Inc()
		b.logger.Info("circuit state changed",
			zap.String("channel_type", b.channel.String()),
			zap.String("old_state", old),
			zap.String("new_state", string(state)))
	}
	return nil
}

func (b *Breaker) openedAt(ctx context.Context) (time.Time, error) {
	val, err := b.client.Get(ctx, b.key("opened_at")).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("breaker: opened_at: %w", err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("breaker: parse opened_at: %w", err)
	}
	return time.Unix(0, int64(f*1e9)), nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}
