package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// ActorHeader carries the calling actor's ID.
const ActorHeader = "X-Actor-ID"

// RateLimiter caps how many teleport requests an actor can send, so one
// player cannot flood another with asks.
//
// Two fixed windows are tracked per key: one minute long and one second long.
// Expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
	clock    func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // Calls per minute per actor
	BurstSize         int // Calls per second per actor
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
	burst       int
	burstStart  time.Time
}

// NewRateLimiter creates a new rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 30
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		clock:    time.Now,
		stopCh:   make(chan struct{}),
	}

	go rl.cleanup(5 * time.Minute)

	return rl
}

// Allow records one call for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		w = &rateLimitWindow{windowStart: now, burstStart: now}
		rl.windows[key] = w
	}
	if now.Sub(w.burstStart) >= time.Second {
		w.burst = 0
		w.burstStart = now
	}

	if w.burst >= rl.defaults.BurstSize {
		rl.logger.Printf("Rate limit exceeded (burst): key=%s limit=%d/s", key, rl.defaults.BurstSize)
		return false
	}
	if w.count >= rl.defaults.MaxCallsPerMinute {
		rl.logger.Printf("Rate limit exceeded: key=%s limit=%d/min", key, rl.defaults.MaxCallsPerMinute)
		return false
	}
	w.count++
	w.burst++
	return true
}

// Middleware returns an HTTP middleware that enforces rate limiting per
// actor, keyed by the X-Actor-ID header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(ActorHeader)
		if key == "" {
			key = "anonymous"
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock()
	n := 0
	for key, window := range rl.windows {
		if now.Sub(window.windowStart) > 2*time.Minute {
			delete(rl.windows, key)
			n++
		}
	}
	return n
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
