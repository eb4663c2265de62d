package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qri-io/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const claimErrorBackoff = time.Second

// Deduper admits a key once per ttl.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// QueueConfig is the per-queue worker and retry configuration.
type QueueConfig struct {
	Concurrency int
	Retry       RetryPolicy
}

// Config configures a Set.
type Config struct {
	Queues            map[string]QueueConfig
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	PromoteInterval   time.Duration
	DedupTTL          time.Duration
	// Schemas overrides DefaultSchemas per queue.
	Schemas map[string]string
	Now     func() time.Time
}

// QueueStats are cumulative worker counters for one queue.
type QueueStats struct {
	Processed    int64
	Failed       int64
	Retried      int64
	DeadLettered int64
	Panics       int64
	Duplicates   int64
}

type queueCounters struct {
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	panics       atomic.Int64
	duplicates   atomic.Int64
}

// Set owns the named queues, their payload schemas and their worker pools.
type Set struct {
	broker   Broker
	cfg      Config
	dedup    Deduper
	logger   *zap.Logger
	now      func() time.Time
	schemas  map[string]*jsonschema.Schema
	counters map[string]*queueCounters
	instance string

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Int64
}

// NewSet creates a queue set over broker. Every queue in cfg.Queues gets a schema.
func NewSet(broker Broker, cfg Config, dedup Deduper, logger *zap.Logger) (*Set, error) {
	if broker == nil {
		return nil, fmt.Errorf("queue broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}

	set := &Set{
		broker:   broker,
		cfg:      cfg,
		dedup:    dedup,
		logger:   logger,
		now:      nowFn,
		schemas:  make(map[string]*jsonschema.Schema, len(cfg.Queues)),
		counters: make(map[string]*queueCounters, len(cfg.Queues)),
		instance: uuid.NewString()[:8],
		handlers: make(map[string]Handler),
	}
	for name := range cfg.Queues {
		raw, ok := cfg.Schemas[name]
		if !ok {
			raw, ok = DefaultSchemas[name]
		}
		if ok {
			schema := &jsonschema.Schema{}
			if err := json.Unmarshal([]byte(raw), schema); err != nil {
				return nil, fmt.Errorf("compile %s schema: %w", name, err)
			}
			set.schemas[name] = schema
		}
		set.counters[name] = &queueCounters{}
	}
	return set, nil
}

// Handle registers the handler of queue name. It must be called before Start.
func (s *Set) Handle(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

// Enqueue validates payload against the queue schema and persists a new envelope.
func (s *Set) Enqueue(ctx context.Context, name string, payload any) (Envelope, error) {
	settings, ok := s.cfg.Queues[name]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validate(ctx, name, data); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:          uuid.NewString(),
		Queue:       name,
		Payload:     data,
		MaxAttempts: settings.Retry.MaxAttempts,
		EnqueuedAt:  s.now().UTC(),
	}
	if err := s.broker.Enqueue(ctx, env); err != nil {
		return Envelope{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return env, nil
}

// EnqueueWebhook admits a provider delivery once. A duplicate delivery id returns admitted=false
// without error. When the enqueue fails the dedup lock is released so a redelivery is admitted.
func (s *Set) EnqueueWebhook(ctx context.Context, deliveryID, event string, body []byte) (Envelope, bool, error) {
	key := "webhook:" + deliveryID
	locked := false
	if s.dedup != nil && deliveryID != "" {
		acquired, err := s.dedup.Acquire(ctx, key, s.cfg.DedupTTL)
		if err != nil {
			return Envelope{}, false, fmt.Errorf("dedup delivery %s: %w", deliveryID, err)
		}
		if !acquired {
			s.counter(QueueWebhook).duplicates.Add(1)
			s.logger.Debug("duplicate webhook delivery ignored", zap.String("delivery_id", deliveryID), zap.String("event", event))
			return Envelope{}, false, nil
		}
		locked = true
	}

	env, err := s.Enqueue(ctx, QueueWebhook, WebhookJob{DeliveryID: deliveryID, Event: event, Body: body})
	if err != nil {
		if locked {
			if releaseErr := s.dedup.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				s.logger.Warn("release webhook dedup lock failed", zap.String("delivery_id", deliveryID), zap.Error(releaseErr))
			}
		}
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Start spawns the workers of every handled queue plus one promoter per queue.
func (s *Set) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for name, handler := range s.handlers {
		settings, ok := s.cfg.Queues[name]
		if !ok || handler == nil {
			continue
		}
		concurrency := settings.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			consumer := fmt.Sprintf("%s-%s-%d", s.instance, name, i)
			s.wg.Add(1)
			go s.worker(runCtx, name, consumer)
		}
		s.wg.Add(1)
		go s.promoter(runCtx, name)
	}
	s.logger.Info("queue workers started", zap.Int("queues", len(s.handlers)))
}

// Stop cancels claiming and waits for in-flight handlers to return.
func (s *Set) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("queue workers stopped")
}

// Running reports how many worker goroutines are active.
func (s *Set) Running() int {
	return int(s.running.Load())
}

// ProcessOne claims and settles at most one envelope from queue.
func (s *Set) ProcessOne(ctx context.Context, name, consumer string) (bool, error) {
	s.mu.Lock()
	handler, ok := s.handlers[name]
	s.mu.Unlock()
	if !ok || handler == nil {
		return false, fmt.Errorf("no handler registered for queue %q", name)
	}
	settings := s.cfg.Queues[name]

	delivery, ok, err := s.broker.Claim(ctx, name, consumer, ClaimOptions{
		Block:             s.cfg.BlockTimeout,
		VisibilityTimeout: s.cfg.VisibilityTimeout,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// A claimed job runs to completion even when the set is stopping.
	jobCtx := context.WithoutCancel(ctx)
	jobCtx, span := otel.Tracer("devpulse/queue").Start(jobCtx, "queue.job")
	span.SetAttributes(
		attribute.String("queue.name", name),
		attribute.String("queue.envelope_id", delivery.Envelope.ID),
		attribute.Int("queue.attempt", delivery.Envelope.Attempt),
	)
	defer span.End()

	handlerErr := s.invoke(jobCtx, name, handler, delivery.Envelope)
	counters := s.counter(name)
	if handlerErr == nil {
		counters.processed.Add(1)
		if err := s.broker.Ack(jobCtx, delivery); err != nil {
			return true, fmt.Errorf("ack %s/%s: %w", name, delivery.Envelope.ID, err)
		}
		return true, nil
	}

	counters.failed.Add(1)
	span.RecordError(handlerErr)
	span.SetStatus(codes.Error, handlerErr.Error())

	next := cloneEnvelope(delivery.Envelope)
	next.Attempt++
	next.LastError = handlerErr.Error()
	maxAttempts := next.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = settings.Retry.MaxAttempts
	}
	policy := settings.Retry
	policy.MaxAttempts = maxAttempts

	fields := []zap.Field{
		zap.String("queue", name),
		zap.String("envelope_id", next.ID),
		zap.Int("attempt", next.Attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Error(handlerErr),
	}

	delay, retry := policy.NextDelay(next.Attempt)
	if IsPermanent(handlerErr) || !retry {
		counters.deadLettered.Add(1)
		s.logger.Error("job dead-lettered", fields...)
		if err := s.broker.DeadLetter(jobCtx, delivery, DeadLetter{
			Envelope: next,
			Error:    handlerErr.Error(),
			DeadAt:   s.now().UTC(),
		}); err != nil {
			return true, fmt.Errorf("dead letter %s/%s: %w", name, next.ID, err)
		}
		return true, nil
	}

	counters.retried.Add(1)
	s.logger.Warn("job failed, scheduling retry", append(fields, zap.Duration("delay", delay))...)
	if err := s.broker.Retry(jobCtx, delivery, next, s.now().Add(delay)); err != nil {
		return true, fmt.Errorf("retry %s/%s: %w", name, next.ID, err)
	}
	return true, nil
}

// Depth returns the pending envelope count of queue.
func (s *Set) Depth(ctx context.Context, name string) (int64, error) {
	if _, ok := s.cfg.Queues[name]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return s.broker.Depth(ctx, name)
}

// DeadLetters returns the newest dead letters of queue.
func (s *Set) DeadLetters(ctx context.Context, name string, limit int) ([]DeadLetter, error) {
	if _, ok := s.cfg.Queues[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return s.broker.DeadLetters(ctx, name, limit)
}

// Stats returns a copy of the per-queue counters.
func (s *Set) Stats() map[string]QueueStats {
	out := make(map[string]QueueStats, len(s.counters))
	for name, c := range s.counters {
		out[name] = QueueStats{
			Processed:    c.processed.Load(),
			Failed:       c.failed.Load(),
			Retried:      c.retried.Load(),
			DeadLettered: c.deadLettered.Load(),
			Panics:       c.panics.Load(),
			Duplicates:   c.duplicates.Load(),
		}
	}
	return out
}

func (s *Set) worker(ctx context.Context, name, consumer string) {
	defer s.wg.Done()
	s.running.Add(1)
	defer s.running.Add(-1)

	for ctx.Err() == nil {
		if _, err := s.ProcessOne(ctx, name, consumer); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("queue worker error", zap.String("queue", name), zap.String("consumer", consumer), zap.Error(err))
			sleepContext(ctx, claimErrorBackoff)
		}
	}
}

func (s *Set) promoter(ctx context.Context, name string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := s.broker.Promote(ctx, name, s.now())
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("promote delayed envelopes failed", zap.String("queue", name), zap.Error(err))
				}
				continue
			}
			if moved > 0 {
				s.logger.Debug("promoted delayed envelopes", zap.String("queue", name), zap.Int("count", moved))
			}
		}
	}
}

func (s *Set) invoke(ctx context.Context, name string, handler Handler, env Envelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.counter(name).panics.Add(1)
			s.logger.Error("job handler panicked",
				zap.String("queue", name),
				zap.String("envelope_id", env.ID),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, cloneEnvelope(env))
}

func (s *Set) validate(ctx context.Context, name string, data []byte) error {
	schema, ok := s.schemas[name]
	if !ok {
		return nil
	}
	keyErrs, err := schema.ValidateBytes(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(keyErrs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(keyErrs))
	for _, keyErr := range keyErrs {
		messages = append(messages, keyErr.PropertyPath+": "+keyErr.Message)
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(messages, "; "))
}

func (s *Set) counter(name string) *queueCounters {
	if c, ok := s.counters[name]; ok {
		return c
	}
	return &queueCounters{}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
