package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimiter(t *testing.T, maxReqs int, key KeyFunc) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, "api", maxReqs, time.Minute, key), mr
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func call(h http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/governance/quota", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, 3, nil)
	handler := rl.Middleware(ok)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, call(handler, "10.0.0.1:12345", nil).Code, "request %d", i+1)
	}

	rec := call(handler, "10.0.0.1:12345", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl, _ := setupRateLimiter(t, 2, nil)
	handler := rl.Middleware(ok)

	for i := 0; i < 2; i++ {
		call(handler, "1.1.1.1:1", nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, call(handler, "1.1.1.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, call(handler, "2.2.2.2:1", nil).Code)
}

func TestRateLimiter_KeyFunc(t *testing.T) {
	rl, mr := setupRateLimiter(t, 1, func(r *http.Request) string { return r.Header.Get("X-User") })
	handler := rl.Middleware(ok)

	assert.Equal(t, http.StatusOK, call(handler, "1.1.1.1:1", map[string]string{"X-User": "alice"}).Code)
	assert.Equal(t, http.StatusOK, call(handler, "1.1.1.1:1", map[string]string{"X-User": "bob"}).Code,
		"same address, different caller")
	assert.Equal(t, http.StatusTooManyRequests, call(handler, "9.9.9.9:1", map[string]string{"X-User": "alice"}).Code)
	assert.True(t, mr.Exists("ratelimit:api:alice"))
}

func TestRateLimiter_ForwardedFor(t *testing.T) {
	assert.Equal(t, "203.0.113.7", clientIP(&http.Request{
		Header:     http.Header{"X-Forwarded-For": []string{"203.0.113.7, 10.0.0.1"}},
		RemoteAddr: "10.0.0.1:80",
	}))
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	rl, mr := setupRateLimiter(t, 1, nil)
	mr.Close()

	assert.Equal(t, http.StatusOK, call(rl.Middleware(ok), "3.3.3.3:1", nil).Code)
}
