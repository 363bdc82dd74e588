package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "booking:lock:p1:2026-06-01:2026-06-05", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !mr.Exists("booking:lock:p1:2026-06-01:2026-06-05") {
		t.Fatal("lock key not set in redis")
	}

	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if mr.Exists("booking:lock:p1:2026-06-01:2026-06-05") {
		t.Fatal("lock key still present after release")
	}
}

func TestAcquireContended(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "booking:lock:p1:a:b", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer first.Release(ctx)

	_, err = locker.Acquire(ctx, "booking:lock:p1:a:b", time.Minute, 250*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire() error = %v, want ErrNotAcquired", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "booking:lock:p2:a:b", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = first.Release(context.Background())
	}()

	second, err := locker.Acquire(ctx, "booking:lock:p2:a:b", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("waiting Acquire() error = %v", err)
	}
	_ = second.Release(ctx)
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "booking:lock:p3:a:b", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Simulate expiry plus re-acquisition by another holder.
	mr.Set("booking:lock:p3:a:b", "other-holder")

	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, _ := mr.Get("booking:lock:p3:a:b")
	if got != "other-holder" {
		t.Fatalf("release deleted a lock held by someone else, key = %q", got)
	}
}
