package syncutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/taskescrow/internal/idgen"
)

// ErrLockLost is logged when a lock expired before it was released.
var ErrLockLost = errors.New("syncutil: lock expired before release")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisMutex is a Locker shared by every process pointed at the same Redis.
// Locks are SET NX with a TTL so a crashed holder cannot wedge an escrow.
type RedisMutex struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
}

// RedisMutexOption configures a RedisMutex.
type RedisMutexOption func(*RedisMutex)

// WithTTL sets the lock lease. It must exceed the longest critical section,
// including the gateway timeout.
func WithTTL(d time.Duration) RedisMutexOption {
	return func(m *RedisMutex) { m.ttl = d }
}

// WithPollInterval sets how often a waiter retries SET NX.
func WithPollInterval(d time.Duration) RedisMutexOption {
	return func(m *RedisMutex) { m.pollEvery = d }
}

// NewRedisMutex creates a RedisMutex whose keys are namespaced by prefix.
func NewRedisMutex(client redis.UniversalClient, prefix string, opts ...RedisMutexOption) *RedisMutex {
	m := &RedisMutex{
		client:    client,
		prefix:    prefix,
		ttl:       time.Minute,
		pollEvery: 25 * time.Millisecond,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LockContext polls SET NX until it wins or ctx is done.
func (m *RedisMutex) LockContext(ctx context.Context, key string) (func(), error) {
	k := m.prefix + key
	token := idgen.Hex(16)

	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := m.client.SetNX(ctx, k, token, m.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("syncutil: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, m.client, []string{k}, token).Int()
			if err != nil {
				slog.Error("redis lock release failed", "key", key, "error", err)
				return
			}
			if n == 0 {
				slog.Warn("redis lock release", "key", key, "error", ErrLockLost)
			}
		})
	}, nil
}

var _ Locker = (*RedisMutex)(nil)
