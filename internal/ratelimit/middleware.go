package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/cam3ron2/devpulse/internal/auth"
	"go.uber.org/zap"
)

// IdentityFunc derives the limiter identity for a request.
type IdentityFunc func(*http.Request) string

// UserOrIP uses the authenticated user id and falls back to the client address.
// Run chi's RealIP middleware first when behind a proxy.
func UserOrIP(r *http.Request) string {
	if userID := auth.UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware enforces rule on every request passing through it.
func Middleware(limiter *Limiter, rule Rule, identity IdentityFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if identity == nil {
		identity = UserOrIP
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity(r)
			result := limiter.Check(r.Context(), id, rule)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(max(result.Remaining, 0), 10))
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger.Info("request rate limited",
				zap.String("identity", id),
				zap.String("key_prefix", rule.KeyPrefix),
				zap.Int64("count", result.Count),
				zap.Bool("degraded", result.Degraded),
			)
			writeRateLimited(w, result)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, result Result) {
	retryAfter := int64(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":        "RATE_LIMITED",
			"message":     result.Message,
			"retry_after": retryAfter,
		},
	})
}
