package relay

import (
	"sync"
	"time"
)

// RateLimiter allows at most limit messages per sender in each fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string]*senderWindow
	now     func() time.Time
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter falls back to 100 messages per minute for non-positive values.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		senders: make(map[string]*senderWindow),
		now:     time.Now,
	}
}

// Allow records one message from senderID and reports whether it fits the limit.
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.senders[senderID]
	if !ok {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= rl.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops senders idle for five windows. Call it periodically.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, w := range rl.senders {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.senders, id)
			removed++
		}
	}
	return removed
}
