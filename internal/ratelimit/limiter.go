// Package ratelimit implements a fixed-window request limiter over a shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FailPolicy decides what happens when the counter store is unreachable.
type FailPolicy string

const (
	// FailOpen admits requests while the store is down.
	FailOpen FailPolicy = "open"
	// FailClosed rejects requests while the store is down.
	FailClosed FailPolicy = "closed"
)

const defaultDenyMessage = "too many requests, try again later"

// Rule is one limit: at most MaxRequests per Window for each identity.
type Rule struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
	Message     string
}

// Result is the outcome of one Check.
type Result struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
	Message    string
	// Degraded is set when the store failed and FailPolicy made the decision.
	Degraded bool
}

// Stats are cumulative limiter counters.
type Stats struct {
	Allowed     uint64
	Denied      uint64
	StoreErrors uint64
}

// Limiter applies rules against a CounterStore.
type Limiter struct {
	store  CounterStore
	policy FailPolicy
	logger *zap.Logger
	now    func() time.Time

	allowed     atomic.Uint64
	denied      atomic.Uint64
	storeErrors atomic.Uint64
}

// New creates a limiter. An empty policy means FailOpen.
func New(store CounterStore, policy FailPolicy, logger *zap.Logger) *Limiter {
	if policy == "" {
		policy = FailOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Key returns the counter key for identity in the window containing now.
func Key(rule Rule, identity string, now time.Time) string {
	window := rule.Window.Milliseconds()
	return fmt.Sprintf("%s:%s:%d", rule.KeyPrefix, identity, now.UnixMilli()/window)
}

// Check counts one request for identity and reports whether it is within rule.
// The counter is incremented on every call, denied ones included. Store errors never escape.
func (l *Limiter) Check(ctx context.Context, identity string, rule Rule) Result {
	if rule.Window < time.Millisecond || rule.MaxRequests <= 0 {
		l.allowed.Add(1)
		return Result{Allowed: true, Message: "rate limit rule disabled"}
	}

	now := l.now()
	windowMs := rule.Window.Milliseconds()
	nowMs := now.UnixMilli()
	untilReset := time.Duration((nowMs/windowMs+1)*windowMs-nowMs) * time.Millisecond

	count, ttl, err := l.store.Increment(ctx, Key(rule, identity, now), untilReset)
	if err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("rate limit store unavailable",
			zap.String("key_prefix", rule.KeyPrefix),
			zap.String("fail_policy", string(l.policy)),
			zap.Error(err),
		)
		if l.policy == FailClosed {
			l.denied.Add(1)
			return Result{
				RetryAfter: untilReset,
				Message:    "rate limiter unavailable; request rejected (fail-closed)",
				Degraded:   true,
			}
		}
		l.allowed.Add(1)
		return Result{
			Allowed:   true,
			Remaining: int64(rule.MaxRequests),
			Message:   "rate limiter unavailable; request allowed (fail-open)",
			Degraded:  true,
		}
	}

	if ttl <= 0 {
		ttl = untilReset
	}
	limit := int64(rule.MaxRequests)
	if count > limit {
		l.denied.Add(1)
		message := rule.Message
		if message == "" {
			message = defaultDenyMessage
		}
		return Result{
			Count:      count,
			RetryAfter: ttl,
			Message:    message,
		}
	}

	l.allowed.Add(1)
	return Result{
		Allowed:   true,
		Count:     count,
		Remaining: limit - count,
	}
}

// Stats returns cumulative counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:     l.allowed.Load(),
		Denied:      l.denied.Load(),
		StoreErrors: l.storeErrors.Load(),
	}
}
