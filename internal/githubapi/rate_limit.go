package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-github/v75/github"
)

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	Remaining        int
	ResetUnix        int64
	Used             int
	RetryAfter       time.Duration
	SecondaryLimited bool
	// Present is false when the response carried no X-RateLimit-Remaining header.
	Present bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	Now                   func() time.Time
}

// RateLimitError reports an exhausted GitHub budget. Queue handlers surface it so the
// job is retried with backoff instead of blocking a worker.
type RateLimitError struct {
	WaitFor time.Duration
	Reason  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limited (%s), retry in %s", e.Reason, e.WaitFor.Round(time.Second))
}

// RetryAfter reports whether err is a GitHub rate-limit error and how long to wait.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	var own *RateLimitError
	if errors.As(err, &own) {
		return own.WaitFor, true
	}
	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		wait := primary.Rate.Reset.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		return secondary.GetRetryAfter(), true
	}
	return 0, false
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	if raw := header.Get("X-RateLimit-Remaining"); raw != "" {
		if remaining, err := strconv.Atoi(raw); err == nil {
			parsed.Remaining = remaining
			parsed.Present = true
		}
	}
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))

	retryAfterSeconds := parseInt(header.Get("Retry-After"))
	if retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.SecondaryLimited = true
	}
	if statusCode == http.StatusForbidden && parsed.RetryAfter > 0 {
		parsed.SecondaryLimited = true
	}

	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := p.now()

	if headers.SecondaryLimited {
		waitFor := p.SecondaryLimitBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		return Decision{Allow: false, WaitFor: waitFor, Reason: "secondary_limit"}
	}

	if !headers.Present || headers.Remaining >= p.MinRemainingThreshold {
		return Decision{Allow: true, Reason: "within_budget"}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{Allow: true, Reason: "reset_elapsed"}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}

func (p RateLimitPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// RateLimitTransport applies RateLimitPolicy to every GitHub response. Once the budget is
// exhausted it fails requests fast with *RateLimitError until the wait elapses.
type RateLimitTransport struct {
	Base   http.RoundTripper
	Policy RateLimitPolicy

	mu           sync.Mutex
	blockedUntil time.Time
	reason       string
}

// NewRateLimitTransport wraps base. A nil base uses http.DefaultTransport.
func NewRateLimitTransport(base http.RoundTripper, policy RateLimitPolicy) *RateLimitTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RateLimitTransport{Base: base, Policy: policy}
}

// RoundTrip implements http.RoundTripper.
func (t *RateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := t.Policy.now()
	if wait, reason := t.blocked(now); wait > 0 {
		return nil, &RateLimitError{WaitFor: wait, Reason: reason}
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	decision := t.Policy.Evaluate(ParseRateLimitHeaders(resp.Header, resp.StatusCode))
	if decision.Allow {
		return resp, nil
	}
	t.block(now.Add(decision.WaitFor), decision.Reason)

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, &RateLimitError{WaitFor: decision.WaitFor, Reason: decision.Reason}
	}
	// The call itself succeeded; only later calls wait.
	return resp, nil
}

// BlockedFor reports the remaining pause, if any.
func (t *RateLimitTransport) BlockedFor() time.Duration {
	wait, _ := t.blocked(t.Policy.now())
	return wait
}

func (t *RateLimitTransport) blocked(now time.Time) (time.Duration, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.blockedUntil.After(now) {
		return 0, ""
	}
	return t.blockedUntil.Sub(now), t.reason
}

func (t *RateLimitTransport) block(until time.Time, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
		t.reason = reason
	}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
