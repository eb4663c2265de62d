package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type streamCommander interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseOwned acks ARGV[2] only while ARGV[3] still owns it in the pending list, so a consumer
// whose claim was taken over by XAUTOCLAIM cannot settle the new owner's delivery.
const releaseOwned = `
local owned = redis.call("XPENDING", KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1, ARGV[3])
if #owned == 0 then
	return 0
end
redis.call("XACK", KEYS[1], ARGV[1], ARGV[2])
redis.call("XDEL", KEYS[1], ARGV[2])
`

// KEYS[1]=stream ARGV[1]=group ARGV[2]=id ARGV[3]=consumer
const ackScript = releaseOwned + `return 1`

// KEYS[1]=stream KEYS[2]=delayed ARGV[1]=group ARGV[2]=id ARGV[3]=consumer ARGV[4]=readyAtMs ARGV[5]=envelope
const retryScript = releaseOwned + `
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[5])
return 1`

// KEYS[1]=stream KEYS[2]=dead ARGV[1]=group ARGV[2]=id ARGV[3]=consumer ARGV[4]=envelope ARGV[5]=error ARGV[6]=deadAtMs
const deadLetterScript = releaseOwned + `
redis.call("XADD", KEYS[2], "*", "envelope", ARGV[4], "error", ARGV[5], "dead_at", ARGV[6])
return 1`

// KEYS[1]=stream KEYS[2]=delayed ARGV[1]=group
// Acked entries are deleted, so the stream holds ready entries plus the group's pending ones.
const depthScript = `
local waiting = redis.call("XLEN", KEYS[1])
local ok, summary = pcall(redis.call, "XPENDING", KEYS[1], ARGV[1])
if ok then
	waiting = waiting - summary[1]
end
return waiting + redis.call("ZCARD", KEYS[2])`

// KEYS[1]=stream KEYS[2]=delayed ARGV[1]=nowMs ARGV[2]=batch
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call("XADD", KEYS[1], "*", "envelope", member)
	redis.call("ZREM", KEYS[2], member)
end
return #due`

const promoteBatch = 100

// RedisStreamsConfig configures the Redis Streams broker.
type RedisStreamsConfig struct {
	Namespace string
	Group     string
}

// RedisStreamsBroker keeps each queue in one stream read through a shared consumer group.
// Retries wait in a sorted set and dead letters go to a sibling stream.
type RedisStreamsBroker struct {
	client    streamCommander
	namespace string
	group     string

	mu     sync.Mutex
	groups map[string]struct{}
}

// NewRedisStreamsBroker creates a broker over client.
func NewRedisStreamsBroker(client redis.UniversalClient, cfg RedisStreamsConfig) *RedisStreamsBroker {
	return newRedisStreamsBrokerFromCommander(client, cfg)
}

func newRedisStreamsBrokerFromCommander(client streamCommander, cfg RedisStreamsConfig) *RedisStreamsBroker {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "devpulse"
	}
	group := cfg.Group
	if group == "" {
		group = "workers"
	}
	return &RedisStreamsBroker{
		client:    client,
		namespace: namespace,
		group:     group,
		groups:    make(map[string]struct{}),
	}
}

// Enqueue appends env to its stream. It returns once Redis acknowledged the XADD.
func (b *RedisStreamsBroker) Enqueue(ctx context.Context, env Envelope) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("redis streams broker is not initialized")
	}
	if env.Queue == "" {
		return fmt.Errorf("queue name is required")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.ensureGroup(ctx, env.Queue); err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(env.Queue),
		Values: map[string]any{"envelope": string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd (queue=%s): %w", env.Queue, err)
	}
	return nil
}

// Claim reclaims an envelope idle longer than the visibility timeout, or reads a new one.
func (b *RedisStreamsBroker) Claim(ctx context.Context, queue, consumer string, opts ClaimOptions) (Delivery, bool, error) {
	if b == nil || b.client == nil {
		return Delivery{}, false, fmt.Errorf("redis streams broker is not initialized")
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return Delivery{}, false, err
	}
	stream := b.streamKey(queue)

	if opts.VisibilityTimeout > 0 {
		messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.group,
			Consumer: consumer,
			MinIdle:  opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Delivery{}, false, fmt.Errorf("xautoclaim (queue=%s): %w", queue, err)
		}
		for _, msg := range messages {
			delivery, ok := b.decodeDelivery(ctx, queue, consumer, msg)
			if ok {
				return delivery, true, nil
			}
		}
	}

	block := opts.Block
	if block <= 0 {
		// go-redis sends BLOCK 0 (forever) for a zero duration.
		block = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, fmt.Errorf("xreadgroup (queue=%s): %w", queue, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			delivery, ok := b.decodeDelivery(ctx, queue, consumer, msg)
			if ok {
				return delivery, true, nil
			}
		}
	}
	return Delivery{}, false, nil
}

// Ack removes a completed delivery from the stream.
func (b *RedisStreamsBroker) Ack(ctx context.Context, d Delivery) error {
	n, err := b.client.Eval(ctx, ackScript, []string{b.streamKey(d.Envelope.Queue)}, b.group, d.Receipt, d.Consumer).Int64()
	if err != nil {
		return fmt.Errorf("ack (queue=%s): %w", d.Envelope.Queue, err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Retry atomically acks the delivery and parks next in the delayed set until readyAt.
func (b *RedisStreamsBroker) Retry(ctx context.Context, d Delivery, next Envelope, readyAt time.Time) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	queue := d.Envelope.Queue
	n, err := b.client.Eval(ctx, retryScript,
		[]string{b.streamKey(queue), b.delayedKey(queue)},
		b.group, d.Receipt, d.Consumer, readyAt.UnixMilli(), string(raw),
	).Int64()
	if err != nil {
		return fmt.Errorf("retry (queue=%s): %w", queue, err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// DeadLetter atomically acks the delivery and appends it to the dead-letter stream.
func (b *RedisStreamsBroker) DeadLetter(ctx context.Context, d Delivery, dead DeadLetter) error {
	raw, err := json.Marshal(dead.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	queue := d.Envelope.Queue
	n, err := b.client.Eval(ctx, deadLetterScript,
		[]string{b.streamKey(queue), b.deadKey(queue)},
		b.group, d.Receipt, d.Consumer, string(raw), dead.Error, dead.DeadAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("dead letter (queue=%s): %w", queue, err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Promote moves due delayed envelopes back into the stream.
func (b *RedisStreamsBroker) Promote(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := b.client.Eval(ctx, promoteScript,
		[]string{b.streamKey(queue), b.delayedKey(queue)},
		now.UnixMilli(), promoteBatch,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote (queue=%s): %w", queue, err)
	}
	return int(n), nil
}

// Depth returns unclaimed stream entries plus delayed envelopes.
func (b *RedisStreamsBroker) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.Eval(ctx, depthScript,
		[]string{b.streamKey(queue), b.delayedKey(queue)},
		b.group,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("depth (queue=%s): %w", queue, err)
	}
	return n, nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (b *RedisStreamsBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	messages, err := b.client.XRevRangeN(ctx, b.deadKey(queue), "+", "-", int64(limit)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xrevrange (queue=%s): %w", queue, err)
	}
	out := make([]DeadLetter, 0, len(messages))
	for _, msg := range messages {
		var dead DeadLetter
		if err := json.Unmarshal([]byte(stringValue(msg.Values, "envelope")), &dead.Envelope); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", msg.ID, err)
		}
		dead.Error = stringValue(msg.Values, "error")
		if ms, err := strconv.ParseInt(stringValue(msg.Values, "dead_at"), 10, 64); err == nil {
			dead.DeadAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, dead)
	}
	return out, nil
}

func (b *RedisStreamsBroker) decodeDelivery(ctx context.Context, queue, consumer string, msg redis.XMessage) (Delivery, bool) {
	raw := stringValue(msg.Values, "envelope")
	var env Envelope
	if raw == "" || json.Unmarshal([]byte(raw), &env) != nil {
		// Undecodable entries are dropped so they cannot wedge the group.
		_ = b.client.Eval(ctx, ackScript, []string{b.streamKey(queue)}, b.group, msg.ID, consumer).Err()
		return Delivery{}, false
	}
	env.Queue = queue
	return Delivery{Envelope: env, Receipt: msg.ID, Consumer: consumer}, true
}

func (b *RedisStreamsBroker) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	_, ok := b.groups[queue]
	b.mu.Unlock()
	if ok {
		return nil
	}

	// Start at "0" so entries added before the group existed are still read.
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(queue), b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group (queue=%s): %w", queue, err)
	}

	b.mu.Lock()
	b.groups[queue] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *RedisStreamsBroker) streamKey(queue string) string {
	return b.namespace + ":queue:" + queue
}

func (b *RedisStreamsBroker) delayedKey(queue string) string {
	return b.streamKey(queue) + ":delayed"
}

func (b *RedisStreamsBroker) deadKey(queue string) string {
	return b.streamKey(queue) + ":dead"
}

func stringValue(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
