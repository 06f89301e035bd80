package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter implements token bucket rate limiting keyed by client
type RateLimiter struct {
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	capacity float64
	now      func() time.Time
	mu       sync.Mutex
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	mu       sync.Mutex
}

// NewRateLimiter allows perMinute requests per key, with a burst of the
// same size
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     float64(perMinute) / 60,
		capacity: float64(perMinute),
		now:      time.Now,
	}
}

// RateLimit middleware rejects clients that exhausted their bucket
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Allow checks if a request is allowed under rate limiting
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	b, exists := r.buckets[key]
	if !exists {
		b = &bucket{
			tokens:   r.capacity,
			lastFill: r.now(),
		}
		r.buckets[key] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = min(r.capacity, b.tokens+elapsed*r.rate)
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// CleanupOldBuckets drops buckets idle for longer than maxIdle
func (r *RateLimiter) CleanupOldBuckets(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for key, b := range r.buckets {
		b.mu.Lock()
		idle := b.lastFill.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle buckets every interval until done is closed
func (r *RateLimiter) StartCleanup(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CleanupOldBuckets(time.Hour)
			case <-done:
				return
			}
		}
	}()
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
