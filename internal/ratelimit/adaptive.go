package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
)

const (
	// multiplier bounds and step sizes observed from remote API behavior
	multiplierMin  = 0.5
	multiplierMax  = 1.5
	multiplierUp   = 1.1
	multiplierDown = 0.75

	// successStreak is how many consecutive successes earn a raise.
	successStreak = 100

	counterTTL    = 5 * time.Minute
	multiplierTTL = time.Hour
)

// AdaptiveLimiter scales the sliding-window limit by a per-connection
// multiplier in [0.5, 1.5] that tracks how the remote API responds, and
// honors Retry-After hints by refusing acquires until the hinted instant.
type AdaptiveLimiter struct {
	*Limiter
}

// NewAdaptive creates an AdaptiveLimiter.
func NewAdaptive(client *redis.Client, overrides map[model.ChannelType]Config) *AdaptiveLimiter {
	return &AdaptiveLimiter{Limiter: New(client, overrides)}
}

func adaptiveKey(channel model.ChannelType, connectionID, field string) string {
	return fmt.Sprintf("adaptive:%s:%s:%s", channel, connectionID, field)
}

// Acquire applies the adaptive multiplier and the blocked-until hint on top
// of the base sliding-window check.
func (a *AdaptiveLimiter) Acquire(ctx context.Context, channel model.ChannelType, connectionID string, weight int) (bool, error) {
	blocked, _, err := a.blockedFor(ctx, channel, connectionID)
	if err != nil {
		return false, err
	}
	if blocked {
		metrics.RateLimitRequests.WithLabelValues(channel.String(), "denied").Inc()
		return false, nil
	}

	limit, err := a.effectiveLimit(ctx, channel, connectionID)
	if err != nil {
		return false, err
	}

	allowed, count, _, err := a.run(ctx, channel, connectionID, weight, limit)
	if err != nil {
		return false, err
	}
	a.observe(channel, connectionID, allowed, count)
	return allowed, nil
}

// AcquireWithWait is the waiting form against the adaptive limit. While a
// Retry-After block is in force the sleep follows the block, not the window.
func (a *AdaptiveLimiter) AcquireWithWait(ctx context.Context, channel model.ChannelType, connectionID string, weight int, maxWait time.Duration) (bool, error) {
	start := a.now()

	for {
		blocked, blockedRetry, err := a.blockedFor(ctx, channel, connectionID)
		if err != nil {
			return false, err
		}

		var allowed bool
		var retryAfter time.Duration

		if blocked {
			metrics.RateLimitRequests.WithLabelValues(channel.String(), "denied").Inc()
			retryAfter = blockedRetry
		} else {
			limit, err := a.effectiveLimit(ctx, channel, connectionID)
			if err != nil {
				return false, err
			}
			var count int64
			allowed, count, retryAfter, err = a.run(ctx, channel, connectionID, weight, limit)
			if err != nil {
				return false, err
			}
			a.observe(channel, connectionID, allowed, count)
		}

		if allowed {
			if waited := a.now().Sub(start); waited > 10*time.Millisecond {
				metrics.RateLimitWaitSeconds.WithLabelValues(channel.String()).Observe(waited.Seconds())
			}
			return true, nil
		}

		remaining := maxWait - a.now().Sub(start)
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

// RecordSuccess counts a successful remote call. Every 100 consecutive
// successes raise the multiplier by 10%, capped at 1.5.
func (a *AdaptiveLimiter) RecordSuccess(ctx context.Context, channel model.ChannelType, connectionID string) error {
	key := adaptiveKey(channel, connectionID, "success_count")

	count, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: success count: %w", err)
	}
	a.client.Expire(ctx, key, counterTTL)

	if count < successStreak {
		return nil
	}
	if err := a.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset success count: %w", err)
	}
	return a.scaleMultiplier(ctx, channel, connectionID, multiplierUp)
}

// RecordRemoteRateLimit reacts to a 429 from the remote API: the multiplier
// drops by 25% (floored at 0.5), the success streak resets, and a positive
// retryAfter blocks acquires until that instant.
func (a *AdaptiveLimiter) RecordRemoteRateLimit(ctx context.Context, channel model.ChannelType, connectionID string, retryAfter time.Duration) error {
	countKey := adaptiveKey(channel, connectionID, "rate_limit_count")
	if err := a.client.Incr(ctx, countKey).Err(); err != nil {
		return fmt.Errorf("ratelimit: 429 count: %w", err)
	}
	a.client.Expire(ctx, countKey, counterTTL)
	a.client.Del(ctx, adaptiveKey(channel, connectionID, "success_count"))

	if err := a.scaleMultiplier(ctx, channel, connectionID, multiplierDown); err != nil {
		return err
	}

	if retryAfter > 0 {
		until := float64(a.now().Add(retryAfter).UnixNano()) / 1e9
		ttl := retryAfter + time.Second
		err := a.client.Set(ctx, adaptiveKey(channel, connectionID, "blocked_until"),
			strconv.FormatFloat(until, 'f', -1, 64), ttl).Err()
		if err != nil {
			return fmt.Errorf("ratelimit: blocked_until: %w", err)
		}
	}
	return nil
}

// Multiplier returns the multiplier currently in force (1.0 when unset).
func (a *AdaptiveLimiter) Multiplier(ctx context.Context, channel model.ChannelType, connectionID string) (float64, error) {
	val, err := a.client.Get(ctx, adaptiveKey(channel, connectionID, "multiplier")).Result()
	if err == redis.Nil {
		return 1.0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: multiplier: %w", err)
	}
	return strconv.ParseFloat(val, 64)
}

func (a *AdaptiveLimiter) effectiveLimit(ctx context.Context, channel model.ChannelType, connectionID string) (int, error) {
	mult, err := a.Multiplier(ctx, channel, connectionID)
	if err != nil {
		return 0, err
	}
	limit := int(math.Floor(float64(a.ConfigFor(channel).EffectiveLimit()) * mult))
	if limit < 1 {
		limit = 1
	}
	return limit, nil
}

func (a *AdaptiveLimiter) scaleMultiplier(ctx context.Context, channel model.ChannelType, connectionID string, factor float64) error {
	current, err := a.Multiplier(ctx, channel, connectionID)
	if err != nil {
		return err
	}

	next := current * factor
	if next > multiplierMax {
		next = multiplierMax
	}
	if next < multiplierMin {
		next = multiplierMin
	}

	err = a.client.Set(ctx, adaptiveKey(channel, connectionID, "multiplier"),
		strconv.FormatFloat(next, 'f', -1, 64), multiplierTTL).Err()
	if err != nil {
		return fmt.Errorf("ratelimit: set multiplier: %w", err)
	}
	return nil
}

func (a *AdaptiveLimiter) blockedFor(ctx context.Context, channel model.ChannelType, connectionID string) (bool, time.Duration, error) {
	val, err := a.client.Get(ctx, adaptiveKey(channel, connectionID, "blocked_until")).Result()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: blocked_until: %w", err)
	}

	until, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return false, 0, nil
	}

	now := float64(a.now().UnixNano()) / 1e9
	if now >= until {
		return false, 0, nil
	}
	return true, time.Duration((until - now) * float64(time.Second)), nil
}
