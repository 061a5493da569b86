package whatsapp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per recipient
type RateLimiter struct {
	visitors map[string]*visitor
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter. A non-positive limit means
// unlimited.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow checks if a send to key may happen now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Wait blocks until a send to key is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl.limit == rate.Inf {
		return nil
	}
	return rl.get(key).Wait(ctx)
}

// StartCleanup forgets recipients idle for longer than idle, until ctx ends.
// The returned channel is closed once the cleanup goroutine has exited.
func (rl *RateLimiter) StartCleanup(ctx context.Context, every, idle time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanupStaleVisitors(now.Add(-idle))
			}
		}
	}()
	return done
}

// cleanupStaleVisitors removes limiters not used since before
func (rl *RateLimiter) cleanupStaleVisitors(before time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if v.lastSeen.Before(before) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) size() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.visitors)
}
