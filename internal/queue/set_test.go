package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testRepo() RepoRef {
	return RepoRef{ID: 7, Owner: "octo", Name: "pulse"}
}

func newTestSet(t *testing.T, broker Broker, clock *testClock, dedup Deduper, maxAttempts int) *Set {
	t.Helper()

	queues := make(map[string]QueueConfig, len(Names))
	for _, name := range Names {
		queues[name] = QueueConfig{
			Concurrency: 2,
			Retry:       RetryPolicy{MaxAttempts: maxAttempts, InitialBackoff: time.Second, MaxBackoff: time.Minute},
		}
	}
	set, err := NewSet(broker, Config{
		Queues:            queues,
		BlockTimeout:      time.Millisecond,
		VisibilityTimeout: time.Minute,
		PromoteInterval:   10 * time.Millisecond,
		DedupTTL:          time.Hour,
		Now:               clock.Now,
	}, dedup, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSet() unexpected error: %v", err)
	}
	return set
}

type memoryDeduper struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{keys: make(map[string]struct{})}
}

func (d *memoryDeduper) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return false, nil
	}
	d.keys[key] = struct{}{}
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

type failingEnqueueBroker struct {
	*InMemoryBroker
	fail atomic.Bool
}

func (b *failingEnqueueBroker) Enqueue(ctx context.Context, env Envelope) error {
	if b.fail.Load() {
		return errors.New("broker unavailable")
	}
	return b.InMemoryBroker.Enqueue(ctx, env)
}

func TestSetEnqueueValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		queue   string
		payload any
		wantErr error
	}{
		{name: "unknown_queue", queue: "emails", payload: RepoJob{Repo: testRepo()}, wantErr: ErrUnknownQueue},
		{name: "missing_repo", queue: QueueFullRepoAnalysis, payload: map[string]any{"days": 3}, wantErr: ErrInvalidPayload},
		{name: "bad_repo_id", queue: QueueRepoFiles, payload: RepoFilesJob{Repo: RepoRef{ID: 0, Owner: "o", Name: "n"}}, wantErr: ErrInvalidPayload},
		{name: "invalid_raw_json", queue: QueueRepoFiles, payload: []byte("{"), wantErr: ErrInvalidPayload},
		{name: "nil_payload", queue: QueueRepoFiles, payload: nil, wantErr: ErrInvalidPayload},
		{name: "valid_struct", queue: QueueFullRepoAnalysis, payload: RepoJob{Repo: testRepo(), Days: 30}},
		{name: "valid_raw", queue: QueuePushScan, payload: json.RawMessage(`{"repo":{"repo_id":7,"owner":"octo","name":"pulse"},"shas":["abc"]}`)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := newTestClock()
			broker := NewInMemoryBroker()
			set := newTestSet(t, broker, clock, nil, 3)

			env, err := set.Enqueue(context.Background(), tc.queue, tc.payload)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Enqueue() error = %v, want %v", err, tc.wantErr)
				}
				if depth, _ := broker.Depth(context.Background(), tc.queue); depth != 0 {
					t.Fatalf("rejected payload reached the broker")
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue() unexpected error: %v", err)
			}
			if env.ID == "" || env.Attempt != 0 || env.MaxAttempts != 3 || !env.EnqueuedAt.Equal(clock.Now()) {
				t.Fatalf("Enqueue() envelope = %+v", env)
			}
		})
	}
}

func TestSetProcessOneSuccessAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	broker.Now = clock.Now
	set := newTestSet(t, broker, clock, nil, 3)

	var got RepoJob
	set.Handle(QueueFullRepoAnalysis, func(_ context.Context, env Envelope) error {
		return env.Decode(&got)
	})
	if _, err := set.Enqueue(ctx, QueueFullRepoAnalysis, RepoJob{Repo: testRepo(), Days: 5}); err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	processed, err := set.ProcessOne(ctx, QueueFullRepoAnalysis, "c1")
	if err != nil || !processed {
		t.Fatalf("ProcessOne() = %t, %v", processed, err)
	}
	if got.Days != 5 || got.Repo.ID != 7 {
		t.Fatalf("handler payload = %+v", got)
	}
	if depth, _ := set.Depth(ctx, QueueFullRepoAnalysis); depth != 0 {
		t.Fatalf("Depth() = %d, want 0", depth)
	}
	if stats := set.Stats()[QueueFullRepoAnalysis]; stats.Processed != 1 || stats.Failed != 0 {
		t.Fatalf("Stats() = %+v", stats)
	}

	processed, err = set.ProcessOne(ctx, QueueFullRepoAnalysis, "c1")
	if err != nil || processed {
		t.Fatalf("ProcessOne(empty) = %t, %v, want false, nil", processed, err)
	}
}

func TestSetRetriesWithBackoffThenDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	broker.Now = clock.Now
	set := newTestSet(t, broker, clock, nil, 3)

	var attempts []int
	set.Handle(QueueRepoFiles, func(_ context.Context, env Envelope) error {
		attempts = append(attempts, env.Attempt)
		return errors.New("github unavailable")
	})
	if _, err := set.Enqueue(ctx, QueueRepoFiles, RepoFilesJob{Repo: testRepo()}); err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	// Backoff doubles from 1s: the retry after attempt 1 waits 1s and after attempt 2 waits 2s.
	for _, wait := range []time.Duration{time.Second, 2 * time.Second} {
		if processed, err := set.ProcessOne(ctx, QueueRepoFiles, "c1"); err != nil || !processed {
			t.Fatalf("ProcessOne() = %t, %v", processed, err)
		}
		if processed, _ := set.ProcessOne(ctx, QueueRepoFiles, "c1"); processed {
			t.Fatalf("ProcessOne() ran a retry before its backoff elapsed")
		}
		clock.Advance(wait)
	}
	if processed, err := set.ProcessOne(ctx, QueueRepoFiles, "c1"); err != nil || !processed {
		t.Fatalf("final ProcessOne() = %t, %v", processed, err)
	}

	if len(attempts) != 3 || attempts[0] != 0 || attempts[2] != 2 {
		t.Fatalf("attempts = %v, want [0 1 2]", attempts)
	}
	dead, err := set.DeadLetters(ctx, QueueRepoFiles, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetters() = %+v, %v", dead, err)
	}
	if dead[0].Envelope.Attempt != 3 || dead[0].Error != "github unavailable" || dead[0].Envelope.LastError != "github unavailable" {
		t.Fatalf("dead letter = %+v", dead[0])
	}
	if stats := set.Stats()[QueueRepoFiles]; stats.Retried != 2 || stats.DeadLettered != 1 || stats.Failed != 3 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestSetPermanentErrorDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	set := newTestSet(t, broker, clock, nil, 5)

	set.Handle(QueuePushScan, func(_ context.Context, _ Envelope) error {
		return Permanent(errors.New("malformed sha"))
	})
	_, _ = set.Enqueue(ctx, QueuePushScan, PushScanJob{Repo: testRepo(), SHAs: []string{"abc"}})

	if _, err := set.ProcessOne(ctx, QueuePushScan, "c1"); err != nil {
		t.Fatalf("ProcessOne() unexpected error: %v", err)
	}
	dead, _ := set.DeadLetters(ctx, QueuePushScan, 10)
	if len(dead) != 1 || dead[0].Envelope.Attempt != 1 {
		t.Fatalf("DeadLetters() = %+v, want one after a single attempt", dead)
	}
}

func TestSetRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	broker.Now = clock.Now
	set := newTestSet(t, broker, clock, nil, 2)

	set.Handle(QueueIssuesAnalysis, func(_ context.Context, _ Envelope) error {
		panic("nil map")
	})
	_, _ = set.Enqueue(ctx, QueueIssuesAnalysis, IssueJob{Repo: testRepo(), Number: 3, OpenedAt: clock.Now()})

	if _, err := set.ProcessOne(ctx, QueueIssuesAnalysis, "c1"); err != nil {
		t.Fatalf("ProcessOne() unexpected error: %v", err)
	}
	stats := set.Stats()[QueueIssuesAnalysis]
	if stats.Panics != 1 || stats.Retried != 1 {
		t.Fatalf("Stats() = %+v, want one panic counted as a retried failure", stats)
	}
}

func TestSetRedeliveryAfterCrashIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	broker.Now = clock.Now
	set := newTestSet(t, broker, clock, nil, 3)

	// The handler folds into a keyed map, so replays converge on the same state.
	seen := make(map[string]int)
	set.Handle(QueuePushAnalysis, func(_ context.Context, env Envelope) error {
		var job PushJob
		if err := env.Decode(&job); err != nil {
			return Permanent(err)
		}
		seen[job.HeadSHA] = len(job.Commits)
		return nil
	})
	_, _ = set.Enqueue(ctx, QueuePushAnalysis, PushJob{
		Repo: testRepo(), HeadSHA: "abc", PushedAt: clock.Now(),
		Commits: []CommitRef{{SHA: "a"}, {SHA: "b"}},
	})

	// A worker claims the envelope and dies before settling it.
	crashed, ok, err := broker.Claim(ctx, QueuePushAnalysis, "dead-worker", ClaimOptions{VisibilityTimeout: time.Minute})
	if err != nil || !ok {
		t.Fatalf("Claim() = %t, %v", ok, err)
	}
	if crashed.Envelope.Attempt != 0 {
		t.Fatalf("crashed claim attempt = %d, want 0", crashed.Envelope.Attempt)
	}
	// Its side effect landed before it died.
	seen["abc"] = 2

	if processed, _ := set.ProcessOne(ctx, QueuePushAnalysis, "c1"); processed {
		t.Fatalf("ProcessOne() redelivered before the visibility timeout")
	}
	clock.Advance(time.Minute + time.Second)
	if processed, err := set.ProcessOne(ctx, QueuePushAnalysis, "c1"); err != nil || !processed {
		t.Fatalf("ProcessOne() after timeout = %t, %v", processed, err)
	}
	if len(seen) != 1 || seen["abc"] != 2 {
		t.Fatalf("state after redelivery = %v, want single keyed entry", seen)
	}
	if err := broker.Ack(ctx, crashed); !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("late Ack() from crashed worker = %v, want ErrStaleDelivery", err)
	}
}

func TestSetEnqueueWebhookDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := &failingEnqueueBroker{InMemoryBroker: NewInMemoryBroker()}
	dedup := newMemoryDeduper()
	set := newTestSet(t, broker, clock, dedup, 3)
	body := []byte(`{"ref":"refs/heads/main"}`)

	_, admitted, err := set.EnqueueWebhook(ctx, "delivery-1", "push", body)
	if err != nil || !admitted {
		t.Fatalf("EnqueueWebhook(first) = %t, %v", admitted, err)
	}
	_, admitted, err = set.EnqueueWebhook(ctx, "delivery-1", "push", body)
	if err != nil || admitted {
		t.Fatalf("EnqueueWebhook(duplicate) = %t, %v, want false, nil", admitted, err)
	}
	if stats := set.Stats()[QueueWebhook]; stats.Duplicates != 1 {
		t.Fatalf("Stats().Duplicates = %d, want 1", stats.Duplicates)
	}

	broker.fail.Store(true)
	if _, _, err := set.EnqueueWebhook(ctx, "delivery-2", "push", body); err == nil {
		t.Fatalf("EnqueueWebhook() expected broker error")
	}
	broker.fail.Store(false)
	_, admitted, err = set.EnqueueWebhook(ctx, "delivery-2", "push", body)
	if err != nil || !admitted {
		t.Fatalf("EnqueueWebhook(redelivery after failure) = %t, %v, want admitted", admitted, err)
	}

	if depth, _ := set.Depth(ctx, QueueWebhook); depth != 2 {
		t.Fatalf("Depth(webhook) = %d, want 2", depth)
	}
}

func TestSetStartStopDrainsQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	broker := NewInMemoryBroker()
	set := newTestSet(t, broker, clock, nil, 3)

	var handled atomic.Int32
	done := make(chan struct{})
	set.Handle(QueueRepoFiles, func(_ context.Context, _ Envelope) error {
		if handled.Add(1) == 5 {
			close(done)
		}
		return nil
	})
	for i := 0; i < 5; i++ {
		if _, err := set.Enqueue(ctx, QueueRepoFiles, RepoFilesJob{Repo: testRepo()}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}
	}

	set.Start(ctx)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for workers")
	}
	if set.Running() == 0 {
		t.Fatalf("Running() = 0 while started")
	}
	set.Stop()
	if set.Running() != 0 {
		t.Fatalf("Running() = %d after Stop", set.Running())
	}
	set.Stop()
}

func TestSetProcessOneWithoutHandler(t *testing.T) {
	t.Parallel()

	set := newTestSet(t, NewInMemoryBroker(), newTestClock(), nil, 3)
	if _, err := set.ProcessOne(context.Background(), QueueRepoFiles, "c1"); err == nil {
		t.Fatalf("ProcessOne() without handler expected error")
	}
	if _, err := set.Depth(context.Background(), "emails"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Depth(unknown) error = %v, want ErrUnknownQueue", err)
	}
}
