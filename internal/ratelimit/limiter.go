// Package ratelimit enforces per-channel API quotas with state held in
// Redis, so limits hold across processes and worker restarts.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
)

// Config is the quota for one channel: at most MaxRequests per Window, with
// Burst as a hard ceiling when set.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Burst       int
}

// EffectiveLimit is the admission ceiling: burst if set, else the base rate.
func (c Config) EffectiveLimit() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.MaxRequests
}

// RefillRate is the token-bucket refill in tokens per second.
func (c Config) RefillRate() float64 {
	return float64(c.MaxRequests) / c.Window.Seconds()
}

// defaultLimits is the built-in quota table, per channel API contract.
var defaultLimits = map[model.ChannelType]Config{
	model.ChannelAirbnb:     {MaxRequests: 10, Window: time.Second, Burst: 15},
	model.ChannelBookingCom: {MaxRequests: 20, Window: 60 * time.Second, Burst: 30},
	model.ChannelExpedia:    {MaxRequests: 50, Window: time.Second, Burst: 75},
	model.ChannelFeWoDirekt: {MaxRequests: 30, Window: time.Second, Burst: 45},
	model.ChannelGoogle:     {MaxRequests: 100, Window: time.Second, Burst: 150},
}

// fallbackLimit applies to unknown channels.
var fallbackLimit = Config{MaxRequests: 10, Window: time.Second}

// LimitExceededError reports a denied acquire with retry timing.
type LimitExceededError struct {
	Channel    model.ChannelType
	Current    int64
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("ratelimit: %s exceeded (%d/%d), retry after %s",
		e.Channel, e.Current, e.Limit, e.RetryAfter)
}

// slidingWindowScript atomically evicts, counts, compares and appends. The
// caller supplies now so the decision is deterministic; retry_after returns
// as a string because Lua number replies truncate to integers.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local weight = tonumber(ARGV[4])
local seed = ARGV[5]

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])

if count + weight > limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    local retry = 0
    if oldest[2] then
        retry = (tonumber(oldest[2]) + window) - now
        if retry < 0 then retry = 0 end
    end
    return {0, count, tostring(retry)}
end

for i = 1, weight do
    redis.call('ZADD', KEYS[1], now, seed .. ':' .. i)
end
redis.call('EXPIRE', KEYS[1], math.ceil(window * 2))
return {1, count + weight, '0'}
`)

// Limiter is the sliding-window rate limiter. Safe for concurrent use from
// any number of processes sharing the Redis instance.
type Limiter struct {
	client *redis.Client
	limits map[model.ChannelType]Config
	now    func() time.Time
}

// New creates a Limiter. Overrides replace the built-in quota per channel;
// zero fields keep the built-in value.
func New(client *redis.Client, overrides map[model.ChannelType]Config) *Limiter {
	limits := make(map[model.ChannelType]Config, len(defaultLimits))
	for ch, def := range defaultLimits {
		if ov, ok := overrides[ch]; ok {
			if ov.MaxRequests > 0 {
				def.MaxRequests = ov.MaxRequests
			}
			if ov.Window > 0 {
				def.Window = ov.Window
			}
			if ov.Burst > 0 {
				def.Burst = ov.Burst
			}
		}
		limits[ch] = def
	}
	return &Limiter{client: client, limits: limits, now: time.Now}
}

// ConfigFor returns the quota in force for a channel.
func (l *Limiter) ConfigFor(channel model.ChannelType) Config {
	if cfg, ok := l.limits[channel]; ok {
		return cfg
	}
	return fallbackLimit
}

func windowKey(channel model.ChannelType, connectionID string) string {
	return fmt.Sprintf("rate_limit:%s:%s", channel, connectionID)
}

// Acquire reserves weight slots in the window. It returns false without
// reserving anything when the quota is exhausted.
func (l *Limiter) Acquire(ctx context.Context, channel model.ChannelType, connectionID string, weight int) (bool, error) {
	cfg := l.ConfigFor(channel)
	allowed, count, _, err := l.run(ctx, channel, connectionID, weight, cfg.EffectiveLimit())
	if err != nil {
		return false, err
	}
	l.observe(channel, connectionID, allowed, count)
	return allowed, nil
}

// AcquireOrError reserves a slot or returns a *LimitExceededError carrying
// the time until the oldest window entry expires.
func (l *Limiter) AcquireOrError(ctx context.Context, channel model.ChannelType, connectionID string, weight int) error {
	cfg := l.ConfigFor(channel)
	allowed, count, retryAfter, err := l.run(ctx, channel, connectionID, weight, cfg.EffectiveLimit())
	if err != nil {
		return err
	}
	l.observe(channel, connectionID, allowed, count)
	if !allowed {
		return &LimitExceededError{
			Channel:    channel,
			Current:    count,
			Limit:      cfg.MaxRequests,
			RetryAfter: retryAfter,
		}
	}
	return nil
}

// AcquireWithWait loops on rejection, sleeping until the window frees a
// slot, at most maxWait in total. The total wait lands in the histogram.
func (l *Limiter) AcquireWithWait(ctx context.Context, channel model.ChannelType, connectionID string, weight int, maxWait time.Duration) (bool, error) {
	start := l.now()
	cfg := l.ConfigFor(channel)

	for {
		allowed, count, retryAfter, err := l.run(ctx, channel, connectionID, weight, cfg.EffectiveLimit())
		if err != nil {
			return false, err
		}
		l.observe(channel, connectionID, allowed, count)
		if allowed {
			if waited := l.now().Sub(start); waited > 10*time.Millisecond {
				metrics.RateLimitWaitSeconds.WithLabelValues(channel.String()).Observe(waited.Seconds())
			}
			return true, nil
		}

		remaining := maxWait - l.now().Sub(start)
		if remaining <= 0 {
			return false, nil
		}

		sleep := retryAfter
		if sleep > remaining {
			sleep = remaining
		}
		if sleep > time.Second {
			sleep = time.Second
		}
		if sleep <= 0 {
			sleep = 50 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// CurrentCount returns the number of requests counted in the live window.
func (l *Limiter) CurrentCount(ctx context.Context, channel model.ChannelType, connectionID string) (int64, error) {
	cfg := l.ConfigFor(channel)
	now := float64(l.now().UnixNano()) / 1e9
	min := strconv.FormatFloat(now-cfg.Window.Seconds(), 'f', -1, 64)
	max := strconv.FormatFloat(now, 'f', -1, 64)

	count, err := l.client.ZCount(ctx, windowKey(channel, connectionID), min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count: %w", err)
	}
	return count, nil
}

// RetryAfter returns the time until the oldest entry leaves the window.
func (l *Limiter) RetryAfter(ctx context.Context, channel model.ChannelType, connectionID string) (time.Duration, error) {
	cfg := l.ConfigFor(channel)
	oldest, err := l.client.ZRangeWithScores(ctx, windowKey(channel, connectionID), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: oldest: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}

	now := float64(l.now().UnixNano()) / 1e9
	retry := oldest[0].Score + cfg.Window.Seconds() - now
	if retry < 0 {
		retry = 0
	}
	return time.Duration(retry * float64(time.Second)), nil
}

// Remaining returns how many more requests the window admits right now.
func (l *Limiter) Remaining(ctx context.Context, channel model.ChannelType, connectionID string) (int64, error) {
	cfg := l.ConfigFor(channel)
	current, err := l.CurrentCount(ctx, channel, connectionID)
	if err != nil {
		return 0, err
	}
	remaining := int64(cfg.EffectiveLimit()) - current
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the window for one connection.
func (l *Limiter) Reset(ctx context.Context, channel model.ChannelType, connectionID string) error {
	if err := l.client.Del(ctx, windowKey(channel, connectionID)).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// run executes the window script against an explicit limit.
func (l *Limiter) run(ctx context.Context, channel model.ChannelType, connectionID string, weight, limit int) (bool, int64, time.Duration, error) {
	cfg := l.ConfigFor(channel)
	now := float64(l.now().UnixNano()) / 1e9

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{windowKey(channel, connectionID)},
		strconv.FormatFloat(now, 'f', -1, 64),
		strconv.FormatFloat(cfg.Window.Seconds(), 'f', -1, 64),
		limit,
		weight,
		uuid.NewString(),
	).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("ratelimit: acquire script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	allowed := vals[0].(int64) == 1
	count := vals[1].(int64)
	retryF, _ := strconv.ParseFloat(vals[2].(string), 64)

	return allowed, count, time.Duration(retryF * float64(time.Second)), nil
}

func (l *Limiter) observe(channel model.ChannelType, connectionID string, allowed bool, count int64) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	metrics.RateLimitRequests.WithLabelValues(channel.String(), result).Inc()
	if allowed {
		metrics.RateLimitCurrentCount.WithLabelValues(channel.String(), connectionID).Set(float64(count))
	}
}
