package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownQueue is returned for queue names outside the configured set.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrInvalidPayload is returned when a payload fails its queue schema.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrStaleDelivery is returned when a delivery's claim expired and another worker reclaimed it.
	ErrStaleDelivery = errors.New("stale delivery")
)

// Envelope is one queued unit of work with retry metadata.
type Envelope struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into target.
func (e Envelope) Decode(target any) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Queue, err)
	}
	return nil
}

// Delivery is an envelope claimed by one consumer. Receipt identifies the claim to the broker.
// Ack, Retry and DeadLetter fail with ErrStaleDelivery once the claim passed to another consumer.
type Delivery struct {
	Envelope Envelope
	Receipt  string
	Consumer string
}

// DeadLetter is an envelope that exhausted its attempts.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Error    string    `json:"error"`
	DeadAt   time.Time `json:"dead_at"`
}

// ClaimOptions controls one claim call.
type ClaimOptions struct {
	// Block bounds how long Claim waits for an envelope.
	Block time.Duration
	// VisibilityTimeout is how long a claim stays exclusive before another consumer may reclaim it.
	VisibilityTimeout time.Duration
}

// Broker persists envelopes and hands out exclusive claims.
type Broker interface {
	Enqueue(ctx context.Context, env Envelope) error
	Claim(ctx context.Context, queue, consumer string, opts ClaimOptions) (Delivery, bool, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, next Envelope, readyAt time.Time) error
	DeadLetter(ctx context.Context, d Delivery, dead DeadLetter) error
	Promote(ctx context.Context, queue string, now time.Time) (int, error)
	// Depth counts envelopes waiting for a consumer, ready or delayed. Claimed envelopes are
	// excluded until they are retried.
	Depth(ctx context.Context, queue string) (int64, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
}

// RetryPolicy controls consumer retry behavior.
type RetryPolicy struct {
	MaxAttempts    int
	Delays         []time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NextDelay returns the retry delay after the given number of failed attempts.
// Explicit Delays take precedence over the exponential backoff.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	if len(p.Delays) > 0 {
		idx := attempt - 1
		if idx >= len(p.Delays) {
			idx = len(p.Delays) - 1
		}
		return p.Delays[idx], true
	}
	if p.InitialBackoff <= 0 {
		return 0, p.MaxAttempts > 0
	}

	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff, true
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay, true
}

// Handler processes one envelope. Returning Permanent(err) dead-letters it without retry.
type Handler func(ctx context.Context, env Envelope) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

func cloneEnvelope(env Envelope) Envelope {
	cloned := env
	if env.Payload != nil {
		cloned.Payload = append(json.RawMessage(nil), env.Payload...)
	}
	return cloned
}
