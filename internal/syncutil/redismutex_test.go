//go:build integration

package syncutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	c := redis.NewClient(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisMutex_Exclusive(t *testing.T) {
	c := redisClient(t)
	m := NewRedisMutex(c, "test:lock:", WithTTL(5*time.Second), WithPollInterval(5*time.Millisecond))

	unlock, err := m.LockContext(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, t.Name()); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()

	unlock2, err := m.LockContext(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
}

func TestRedisMutex_ReleaseOnlyOwnToken(t *testing.T) {
	c := redisClient(t)
	m := NewRedisMutex(c, "test:lock:", WithTTL(50*time.Millisecond))

	unlock, err := m.LockContext(context.Background(), t.Name())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	other, err := m.LockContext(context.Background(), t.Name())
	if err != nil {
		t.Fatal(err)
	}
	unlock()

	n, err := c.Exists(context.Background(), "test:lock:"+t.Name()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatal("stale holder released a lock it no longer owns")
	}
	other()
}
