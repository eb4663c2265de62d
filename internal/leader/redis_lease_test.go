package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

type fakeLeaseClient struct {
	mu        sync.Mutex
	now       time.Time
	holder    string
	expiresAt time.Time
	err       error
}

func (c *fakeLeaseClient) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeLeaseClient) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.holder
}

func (c *fakeLeaseClient) expireLocked() {
	if c.holder != "" && !c.now.Before(c.expiresAt) {
		c.holder = ""
	}
}

func (c *fakeLeaseClient) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return redis.NewCmdResult(nil, c.err)
	}
	if len(keys) != 1 || len(args) == 0 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script call"))
	}
	c.expireLocked()
	identity := fmt.Sprint(args[0])

	switch script {
	case acquireScript:
		ttl, ok := args[1].(int64)
		if !ok {
			return redis.NewCmdResult(nil, fmt.Errorf("ttl must be int64 milliseconds"))
		}
		if c.holder == "" || c.holder == identity {
			c.holder = identity
			c.expiresAt = c.now.Add(time.Duration(ttl) * time.Millisecond)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case releaseScript:
		if c.holder == identity {
			c.holder = ""
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(nil, fmt.Errorf("unknown script"))
}

func newTestElector(t *testing.T, client *fakeLeaseClient, identity string) *RedisLeaseElector {
	t.Helper()
	elector, err := newRedisLeaseElector(client, RedisLeaseConfig{
		Identity:      identity,
		LeaseDuration: 15 * time.Second,
		RetryPeriod:   5 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("newRedisLeaseElector() unexpected error: %v", err)
	}
	return elector
}

func TestNewRedisLeaseElectorValidation(t *testing.T) {
	t.Parallel()

	client := &fakeLeaseClient{}
	testCases := []struct {
		name string
		cfg  RedisLeaseConfig
	}{
		{name: "missing_identity", cfg: RedisLeaseConfig{}},
		{name: "retry_not_shorter_than_lease", cfg: RedisLeaseConfig{Identity: "a", LeaseDuration: time.Second, RetryPeriod: time.Second}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := newRedisLeaseElector(client, tc.cfg); err == nil {
				t.Fatalf("newRedisLeaseElector() expected error")
			}
		})
	}
	if _, err := newRedisLeaseElector(nil, RedisLeaseConfig{Identity: "a"}); err == nil {
		t.Fatalf("newRedisLeaseElector(nil) expected error")
	}
}

func TestRedisLeaseAcquireRenewAndTakeover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeLeaseClient{now: time.Unix(1773100800, 0)}
	first := newTestElector(t, client, "pod-a")
	second := newTestElector(t, client, "pod-b")

	steps := []struct {
		name    string
		elector *RedisLeaseElector
		advance time.Duration
		want    bool
	}{
		{name: "first_acquires", elector: first, want: true},
		{name: "second_waits", elector: second, advance: 10 * time.Second, want: false},
		{name: "first_renews", elector: first, want: true},
		{name: "second_still_waits", elector: second, advance: 10 * time.Second, want: false},
		{name: "second_takes_expired_lease", elector: second, advance: 20 * time.Second, want: true},
		{name: "first_lost_lease", elector: first, want: false},
	}
	for _, step := range steps {
		client.Advance(step.advance)
		got, err := step.elector.TryAcquireOrRenew(ctx)
		if err != nil {
			t.Fatalf("%s: TryAcquireOrRenew() unexpected error: %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: TryAcquireOrRenew() = %t, want %t", step.name, got, step.want)
		}
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() unexpected error: %v", err)
	}
	if holder := client.Holder(); holder != "pod-b" {
		t.Fatalf("holder after foreign release = %q, want pod-b", holder)
	}
}

func TestRedisLeaseRunEmitsRolesAndReleases(t *testing.T) {
	t.Parallel()

	client := &fakeLeaseClient{now: time.Unix(1773100800, 0)}
	elector := newTestElector(t, client, "pod-a")

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	roles := make([]bool, 0)
	done := make(chan error, 1)
	go func() {
		done <- elector.Run(ctx, func(isLeader bool) {
			mu.Lock()
			roles = append(roles, isLeader)
			mu.Unlock()
		})
	}()

	waitForRoles := func(n int) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			count := len(roles)
			mu.Unlock()
			if count >= n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("fewer than %d role events", n)
	}

	waitForRoles(2)
	client.mu.Lock()
	client.err = errors.New("connection refused")
	client.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		last := roles[len(roles)-1]
		mu.Unlock()
		if !last {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("elector did not step down on redis errors")
		}
		time.Sleep(time.Millisecond)
	}

	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()
	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		last := roles[len(roles)-1]
		mu.Unlock()
		if last {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("elector did not reacquire after redis recovered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if holder := client.Holder(); holder != "" {
		t.Fatalf("lease still held by %q after shutdown", holder)
	}

	mu.Lock()
	defer mu.Unlock()
	if !roles[0] {
		t.Fatalf("first role = false, want leader")
	}
}
