package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type lockCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes a lock only while it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocks provides TTL-bound SETNX locks shared across processes.
type RedisLocks struct {
	client    lockCommander
	namespace string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocks creates a lock set rooted at namespace.
func NewRedisLocks(client redis.UniversalClient, namespace string) *RedisLocks {
	return newRedisLocksFromCommander(client, namespace)
}

func newRedisLocksFromCommander(client lockCommander, namespace string) *RedisLocks {
	if namespace == "" {
		namespace = "devpulse"
	}
	return &RedisLocks{
		client:    client,
		namespace: namespace,
		tokens:    make(map[string]string),
	}
}

// Acquire takes the lock for key until ttl elapses. A held lock returns false without error.
func (l *RedisLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("redis locks are not initialized")
	}
	if ttl <= 0 {
		return true, nil
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.prefixed(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if acquired {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return acquired, nil
}

// Release drops a lock this process holds. Releasing an unknown or expired lock is a no-op.
func (l *RedisLocks) Release(ctx context.Context, key string) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("redis locks are not initialized")
	}

	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := l.client.Eval(ctx, releaseScript, []string{l.prefixed(key)}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (l *RedisLocks) prefixed(key string) string {
	return l.namespace + ":lock:" + key
}

// MemoryLocks is the single-process counterpart of RedisLocks.
type MemoryLocks struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

// NewMemoryLocks creates an empty in-memory lock set.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

// Acquire takes the lock for key until ttl elapses.
func (l *MemoryLocks) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.expires[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lock for key.
func (l *MemoryLocks) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, key)
	return nil
}
