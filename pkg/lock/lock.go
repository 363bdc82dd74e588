// Package lock implements a Redis-backed distributed lock. Locks carry a
// random holder token so a release can never drop a lock that expired and
// was re-acquired by someone else.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is still held by another caller
// after the acquisition deadline.
var ErrNotAcquired = errors.New("lock: not acquired")

const retryInterval = 100 * time.Millisecond

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out locks backed by a shared Redis client.
type Locker struct {
	client *redis.Client
}

// New creates a Locker.
func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is one held lock. Release it exactly once.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock, retrying until wait has elapsed. The lock
// auto-expires after lease even if never released.
func (l *Locker) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
		}
		if ok {
			return &Lock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lock if this holder still owns it. Releasing an expired
// lock is a no-op.
func (k *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", k.key, err)
	}
	return nil
}
