package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
)

// tokenBucketScript refills by elapsed time, then consumes atomically. The
// bucket state persists even on rejection so refill never restarts.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_update')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
    tokens = capacity
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'last_update', tostring(now))
redis.call('EXPIRE', KEYS[1], 3600)
return {allowed, tostring(tokens)}
`)

// TokenBucket is the burst-friendly limiter variant: capacity Burst, refill
// MaxRequests/Window per second.
type TokenBucket struct {
	client *redis.Client
	limits map[model.ChannelType]Config
	now    func() time.Time
}

// NewTokenBucket creates a TokenBucket limiter with the same quota table and
// override handling as the sliding-window limiter.
func NewTokenBucket(client *redis.Client, overrides map[model.ChannelType]Config) *TokenBucket {
	return &TokenBucket{
		client: client,
		limits: New(client, overrides).limits,
		now:    time.Now,
	}
}

func bucketKey(channel model.ChannelType, connectionID string) string {
	return fmt.Sprintf("token_bucket:%s:%s", channel, connectionID)
}

// Acquire consumes tokens from the bucket, refilling for elapsed time first.
func (b *TokenBucket) Acquire(ctx context.Context, channel model.ChannelType, connectionID string, tokens int) (bool, error) {
	cfg, ok := b.limits[channel]
	if !ok {
		cfg = fallbackLimit
	}

	now := float64(b.now().UnixNano()) / 1e9
	res, err := tokenBucketScript.Run(ctx, b.client,
		[]string{bucketKey(channel, connectionID)},
		cfg.EffectiveLimit(),
		strconv.FormatFloat(cfg.RefillRate(), 'f', -1, 64),
		tokens,
		strconv.FormatFloat(now, 'f', -1, 64),
	).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: bucket script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected bucket reply %v", res)
	}

	allowed := vals[0].(int64) == 1
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	metrics.RateLimitRequests.WithLabelValues(channel.String(), result).Inc()

	return allowed, nil
}

// Tokens reports the bucket fill level without consuming.
func (b *TokenBucket) Tokens(ctx context.Context, channel model.ChannelType, connectionID string) (float64, error) {
	val, err := b.client.HGet(ctx, bucketKey(channel, connectionID), "tokens").Result()
	if err == redis.Nil {
		cfg, ok := b.limits[channel]
		if !ok {
			cfg = fallbackLimit
		}
		return float64(cfg.EffectiveLimit()), nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: bucket tokens: %w", err)
	}
	return strconv.ParseFloat(val, 64)
}
