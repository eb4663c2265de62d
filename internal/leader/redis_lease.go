package leader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireScript renews the lease for its holder or takes a free one.
const acquireScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0`

// releaseScript frees the lease only for its holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type leaseCommander interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLeaseConfig configures Redis lease-based election.
type RedisLeaseConfig struct {
	Key           string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
	Logger        *zap.Logger
}

// RedisLeaseElector holds leadership while it keeps renewing a TTL key.
type RedisLeaseElector struct {
	client        leaseCommander
	key           string
	identity      string
	leaseDuration time.Duration
	retryPeriod   time.Duration
	logger        *zap.Logger
}

// NewRedisLeaseElector creates a Redis lease elector.
func NewRedisLeaseElector(client redis.UniversalClient, cfg RedisLeaseConfig) (*RedisLeaseElector, error) {
	return newRedisLeaseElector(client, cfg)
}

func newRedisLeaseElector(client leaseCommander, cfg RedisLeaseConfig) (*RedisLeaseElector, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, fmt.Errorf("elector identity is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "devpulse:leader"
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 15 * time.Second
	}
	retryPeriod := cfg.RetryPeriod
	if retryPeriod <= 0 {
		retryPeriod = leaseDuration / 3
	}
	if retryPeriod >= leaseDuration {
		return nil, fmt.Errorf("retry period %s must be shorter than lease duration %s", retryPeriod, leaseDuration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLeaseElector{
		client:        client,
		key:           key,
		identity:      strings.TrimSpace(cfg.Identity),
		leaseDuration: leaseDuration,
		retryPeriod:   retryPeriod,
		logger:        logger,
	}, nil
}

// Run renews or contends for the lease every retry period until ctx ends.
// Redis errors step the process down and keep retrying.
func (e *RedisLeaseElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	ticker := time.NewTicker(e.retryPeriod)
	defer ticker.Stop()

	holding := false
	for {
		acquired, err := e.TryAcquireOrRenew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.stepDown(ctx, holding)
				return nil
			}
			e.logger.Warn("leader lease renewal failed", zap.String("key", e.key), zap.Error(err))
			acquired = false
		}
		holding = acquired
		emit(acquired)

		select {
		case <-ctx.Done():
			e.stepDown(ctx, holding)
			return nil
		case <-ticker.C:
		}
	}
}

func (e *RedisLeaseElector) stepDown(ctx context.Context, holding bool) {
	if !holding {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := e.Release(releaseCtx); err != nil {
		e.logger.Warn("leader lease release failed", zap.String("key", e.key), zap.Error(err))
	}
}

// TryAcquireOrRenew reports whether this identity holds the lease after the call.
func (e *RedisLeaseElector) TryAcquireOrRenew(ctx context.Context) (bool, error) {
	held, err := e.client.Eval(ctx, acquireScript, []string{e.key}, e.identity, e.leaseDuration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", e.key, err)
	}
	return held == 1, nil
}

// Release frees the lease if this identity holds it.
func (e *RedisLeaseElector) Release(ctx context.Context) error {
	if err := e.client.Eval(ctx, releaseScript, []string{e.key}, e.identity).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", e.key, err)
	}
	return nil
}
