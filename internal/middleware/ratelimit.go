package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyFunc identifies the caller a request is counted against. An empty key
// falls back to the client IP.
type KeyFunc func(r *http.Request) string

// RateLimiter provides sliding-window rate limiting backed by Redis sorted sets.
type RateLimiter struct {
	client  redis.Cmdable
	maxReqs int
	window  time.Duration
	prefix  string
	key     KeyFunc
}

// NewRateLimiter allows maxReqs per window for each caller. key may be nil to
// limit per client IP.
func NewRateLimiter(client redis.Cmdable, prefix string, maxReqs int, window time.Duration, key KeyFunc) *RateLimiter {
	return &RateLimiter{client: client, maxReqs: maxReqs, window: window, prefix: prefix, key: key}
}

// Middleware returns an HTTP middleware that enforces the rate limit.
// On Redis errors it fails open (allows the request through).
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := ""
		if rl.key != nil {
			caller = rl.key(r)
		}
		if caller == "" {
			caller = "ip:" + clientIP(r)
		}
		key := "ratelimit:" + rl.prefix + ":" + caller

		allowed, err := rl.allow(r.Context(), key)
		if err != nil {
			slog.Warn("rate limiter: redis error, failing open", "error", err, "caller", caller)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := float64(now.Add(-rl.window).UnixMilli())
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return countCmd.Val() < int64(rl.maxReqs), nil
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For first (trusted reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
