package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryPollInterval = 50 * time.Millisecond

type inflightEntry struct {
	env      Envelope
	deadline time.Time
}

type delayedEntry struct {
	env     Envelope
	readyAt time.Time
}

type memoryQueue struct {
	ready    []Envelope
	inflight map[string]inflightEntry
	delayed  []delayedEntry
	dead     []DeadLetter
}

// InMemoryBroker is a single-process broker with the same claim, visibility and dead-letter
// semantics as the Redis Streams broker.
type InMemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	wake   chan struct{}

	// Now is the broker clock. Tests replace it to expire visibility timeouts.
	Now func() time.Time
}

// NewInMemoryBroker creates an in-memory broker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		queues: make(map[string]*memoryQueue),
		wake:   make(chan struct{}),
		Now:    time.Now,
	}
}

// Enqueue appends env to its queue.
func (b *InMemoryBroker) Enqueue(_ context.Context, env Envelope) error {
	if b == nil {
		return fmt.Errorf("queue broker is nil")
	}
	if env.Queue == "" {
		return fmt.Errorf("queue name is required")
	}

	b.mu.Lock()
	q := b.ensureQueueLocked(env.Queue)
	q.ready = append(q.ready, cloneEnvelope(env))
	b.broadcastLocked()
	b.mu.Unlock()
	return nil
}

// Claim hands out the next envelope exclusively. Expired claims are reclaimed before new envelopes.
func (b *InMemoryBroker) Claim(ctx context.Context, queue, consumer string, opts ClaimOptions) (Delivery, bool, error) {
	if b == nil {
		return Delivery{}, false, fmt.Errorf("queue broker is nil")
	}

	var deadline <-chan time.Time
	if opts.Block > 0 {
		timer := time.NewTimer(opts.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		delivery, ok := b.claimLocked(queue, opts.VisibilityTimeout)
		wake := b.wake
		b.mu.Unlock()
		if ok {
			delivery.Consumer = consumer
			return delivery, true, nil
		}
		if opts.Block <= 0 {
			return Delivery{}, false, nil
		}

		poll := time.NewTimer(memoryPollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return Delivery{}, false, ctx.Err()
		case <-deadline:
			poll.Stop()
			return Delivery{}, false, nil
		case <-wake:
		case <-poll.C:
		}
		poll.Stop()
	}
}

func (b *InMemoryBroker) claimLocked(queue string, visibility time.Duration) (Delivery, bool) {
	q := b.ensureQueueLocked(queue)
	now := b.Now()
	b.promoteLocked(q, now)

	var env Envelope
	found := false
	expired := make([]string, 0)
	for receipt, entry := range q.inflight {
		if visibility > 0 && !now.Before(entry.deadline) {
			expired = append(expired, receipt)
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool {
			return q.inflight[expired[i]].deadline.Before(q.inflight[expired[j]].deadline)
		})
		env = q.inflight[expired[0]].env
		delete(q.inflight, expired[0])
		found = true
	} else if len(q.ready) > 0 {
		env = q.ready[0]
		q.ready = q.ready[1:]
		found = true
	}
	if !found {
		return Delivery{}, false
	}

	receipt := uuid.NewString()
	entry := inflightEntry{env: env}
	if visibility > 0 {
		entry.deadline = now.Add(visibility)
	}
	q.inflight[receipt] = entry
	return Delivery{Envelope: cloneEnvelope(env), Receipt: receipt}, true
}

// Ack removes a completed delivery.
func (b *InMemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.releaseLocked(d)
	return err
}

// Retry moves a delivery into the delayed set until readyAt.
func (b *InMemoryBroker) Retry(_ context.Context, d Delivery, next Envelope, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.releaseLocked(d)
	if err != nil {
		return err
	}
	q.delayed = append(q.delayed, delayedEntry{env: cloneEnvelope(next), readyAt: readyAt})
	return nil
}

// DeadLetter moves a delivery into the queue's dead-letter list.
func (b *InMemoryBroker) DeadLetter(_ context.Context, d Delivery, dead DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.releaseLocked(d)
	if err != nil {
		return err
	}
	dead.Envelope = cloneEnvelope(dead.Envelope)
	q.dead = append(q.dead, dead)
	return nil
}

// Promote moves due delayed envelopes back to the ready list.
func (b *InMemoryBroker) Promote(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	moved := b.promoteLocked(b.ensureQueueLocked(queue), now)
	if moved > 0 {
		b.broadcastLocked()
	}
	return moved, nil
}

// Depth returns ready plus delayed envelopes.
func (b *InMemoryBroker) Depth(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	return int64(len(q.ready) + len(q.delayed)), nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (b *InMemoryBroker) DeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, nil
	}
	out := make([]DeadLetter, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (b *InMemoryBroker) releaseLocked(d Delivery) (*memoryQueue, error) {
	q, ok := b.queues[d.Envelope.Queue]
	if !ok {
		return nil, ErrStaleDelivery
	}
	if _, ok := q.inflight[d.Receipt]; !ok {
		return nil, ErrStaleDelivery
	}
	delete(q.inflight, d.Receipt)
	return q, nil
}

func (b *InMemoryBroker) promoteLocked(q *memoryQueue, now time.Time) int {
	if len(q.delayed) == 0 {
		return 0
	}
	remaining := q.delayed[:0]
	moved := 0
	for _, entry := range q.delayed {
		if now.Before(entry.readyAt) {
			remaining = append(remaining, entry)
			continue
		}
		q.ready = append(q.ready, entry.env)
		moved++
	}
	q.delayed = remaining
	return moved
}

func (b *InMemoryBroker) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *InMemoryBroker) ensureQueueLocked(queue string) *memoryQueue {
	q, ok := b.queues[queue]
	if ok {
		return q
	}
	q = &memoryQueue{inflight: make(map[string]inflightEntry)}
	b.queues[queue] = q
	return q
}
