package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *stepClock) {
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl.clock = clock.Now
	return rl, clock
}

func TestRateLimiter_PerMinute(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 10})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("alice"))
	}
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "limits are per key")

	clock.Add(time.Minute)
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiter_Burst(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimitConfig{MaxCallsPerMinute: 100, BurstSize: 2})

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	clock.Add(time.Second)
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiter_Evict(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimitConfig{MaxCallsPerMinute: 5})
	rl.Allow("alice")
	rl.Allow("bob")

	clock.Add(3 * time.Minute)
	assert.Equal(t, 2, rl.evict())
	assert.Equal(t, 0, rl.Stats()["active_windows"])
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
		req.Header.Set(ActorHeader, actor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, send("alice").Code)
	rec := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after_seconds":60}`, rec.Body.String())
	assert.Equal(t, http.StatusAccepted, send("bob").Code)
}
