package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per user.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per user with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	l := &RateLimiter{limiters: make(map[string]*rate.Limiter), limit: rate.Inf, burst: burst}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

// Allow reports whether userID may start another request now.
func (m *RateLimiter) Allow(userID string) bool {
	return m.get(userID).Allow()
}

func (m *RateLimiter) get(userID string) *rate.Limiter {
	m.mu.RLock()
	limiter, ok := m.limiters[userID]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok = m.limiters[userID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(m.limit, m.burst)
	m.limiters[userID] = limiter
	return limiter
}

// Prune drops buckets that have refilled completely, so idle users do not
// hold memory.
func (m *RateLimiter) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.limiters {
		if l.Tokens() >= float64(m.burst) {
			delete(m.limiters, id)
			n++
		}
	}
	return n
}
