package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/config"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/ratelimit"
	"github.com/cam3ron2/devpulse/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// locker backs webhook dedup, backfill dedup and scheduler locks.
type locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type runtimeBackends struct {
	// redis is nil when no Redis is configured or an optional Redis was unreachable.
	redis    redis.UniversalClient
	broker   queue.Broker
	locks    locker
	counters ratelimit.CounterStore
}

func redisConfigured(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Store.RedisMode, "sentinel") || strings.TrimSpace(cfg.Store.RedisAddr) != ""
}

// redisRequired reports whether a component has no in-process fallback.
func redisRequired(cfg *config.Config) bool {
	return cfg.Queue.Backend == "redis" || cfg.LeaderElection.Enabled
}

func newRuntimeBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (runtimeBackends, error) {
	backends := runtimeBackends{
		broker:   queue.NewInMemoryBroker(),
		locks:    store.NewMemoryLocks(),
		counters: ratelimit.NewMemoryStore(),
	}

	if !redisConfigured(cfg) {
		if redisRequired(cfg) {
			return runtimeBackends{}, fmt.Errorf("redis is required by queue.backend=redis or leader_election.enabled")
		}
		return backends, nil
	}

	client, err := newRedisClientFromConfig(ctx, cfg)
	if err != nil {
		if redisRequired(cfg) {
			return runtimeBackends{}, err
		}
		logger.Warn("failed to initialize redis; falling back to in-process locks and counters", zap.Error(err))
		return backends, nil
	}

	backends.redis = client
	backends.locks = store.NewRedisLocks(client, cfg.Store.Namespace)
	backends.counters = ratelimit.NewRedisStore(client)
	if cfg.Queue.Backend == "redis" {
		backends.broker = queue.NewRedisStreamsBroker(client, queue.RedisStreamsConfig{
			Namespace: cfg.Store.Namespace,
			Group:     "workers",
		})
	}
	return backends, nil
}

func newRedisClientFromConfig(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}

func queueConfigFromConfig(cfg config.QueueConfig) queue.Config {
	queues := make(map[string]queue.QueueConfig, len(cfg.Queues))
	for name, settings := range cfg.Queues {
		queues[name] = queue.QueueConfig{
			Concurrency: settings.Concurrency,
			Retry: queue.RetryPolicy{
				MaxAttempts:    settings.MaxAttempts,
				InitialBackoff: settings.InitialBackoff,
				MaxBackoff:     settings.MaxBackoff,
			},
		}
	}
	return queue.Config{
		Queues:            queues,
		BlockTimeout:      cfg.BlockTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PromoteInterval:   cfg.PromoteInterval,
		DedupTTL:          cfg.DedupTTL,
	}
}

// InspectDeadLetters reads up to limit dead letters of one queue from the shared broker.
// The in-process broker keeps nothing between runs, so it needs queue.backend=redis.
func InspectDeadLetters(ctx context.Context, cfg *config.Config, queueName string, limit int) ([]queue.DeadLetter, error) {
	if !slices.Contains(queue.Names, queueName) {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if cfg.Queue.Backend != "redis" {
		return nil, fmt.Errorf("dead letters are only inspectable with queue.backend=redis")
	}
	client, err := newRedisClientFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	broker := queue.NewRedisStreamsBroker(client, queue.RedisStreamsConfig{Namespace: cfg.Store.Namespace, Group: "workers"})
	return broker.DeadLetters(ctx, queueName, limit)
}
