package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore increments a windowed counter. ttl is applied on the first increment only;
// the returned ttl is what remains on the key.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
}

// KEYS[1]=counter ARGV[1]=ttlMs
const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}`

type evalCommander interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisStore keeps counters in Redis. INCR and PEXPIRE run in one script.
type RedisStore struct {
	client evalCommander
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func newRedisStoreFromCommander(client evalCommander) *RedisStore {
	return &RedisStore{client: client}
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if s == nil || s.client == nil {
		return 0, 0, fmt.Errorf("redis counter store is not initialized")
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	values, err := s.client.Eval(ctx, incrementScript, []string{key}, ttlMs).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("increment %s: unexpected reply %v", key, values)
	}
	count, okCount := values[0].(int64)
	remaining, okTTL := values[1].(int64)
	if !okCount || !okTTL {
		return 0, 0, fmt.Errorf("increment %s: unexpected reply types %T, %T", key, values[0], values[1])
	}
	return count, time.Duration(remaining) * time.Millisecond, nil
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

const memorySweepEvery = 1024

// MemoryStore keeps counters in process memory. Expired keys are swept lazily.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	calls    int
	now      func() time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%memorySweepEvery == 0 {
		for k, c := range s.counters {
			if !now.Before(c.expiresAt) {
				delete(s.counters, k)
			}
		}
	}

	counter, ok := s.counters[key]
	if !ok || !now.Before(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, counter.expiresAt.Sub(now), nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, c := range s.counters {
		if now.Before(c.expiresAt) {
			n++
		}
	}
	return n
}
