package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func createTestRateLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		IdleTimeout:       time.Minute,
	}, quietLogger())
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerMinute: 1}, quietLogger())
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("client").Allowed)
	}
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl, _ := createTestRateLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		result := rl.Allow("client")
		assert.True(t, result.Allowed, "request %d", i)
		assert.Equal(t, 2-i, result.Remaining)
	}

	denied := rl.Allow("client")
	assert.False(t, denied.Allowed)
	assert.Equal(t, time.Second, denied.RetryAfter)

	// Other clients have their own bucket
	assert.True(t, rl.Allow("other").Allowed)
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := createTestRateLimiter(t, 60, 1)

	assert.True(t, rl.Allow("client").Allowed)
	assert.False(t, rl.Allow("client").Allowed)

	*clock = clock.Add(time.Second)
	assert.True(t, rl.Allow("client").Allowed)
}

func TestRateLimiter_ResetAndCleanup(t *testing.T) {
	rl, clock := createTestRateLimiter(t, 60, 1)

	rl.Allow("a")
	assert.False(t, rl.Allow("a").Allowed)
	rl.Reset("a")
	assert.True(t, rl.Allow("a").Allowed)

	rl.Allow("b")
	*clock = clock.Add(2 * time.Minute)
	rl.Allow("c")

	assert.Equal(t, 2, rl.Cleanup())
	assert.Len(t, rl.limiters, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := createTestRateLimiter(t, 60, 1)
	handler := rl.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "60", first.Header().Get("X-RateLimit-Limit"))

	second := send()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit_error")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.2.2.2:80"
	assert.Equal(t, "ip:10.2.2.2", ClientKey(req))

	req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{UserID: "u1"}))
	assert.Equal(t, "user:u1", ClientKey(req))
}
