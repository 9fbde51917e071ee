package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryRateLimiter is a per-process token bucket limiter.
type MemoryRateLimiter struct {
	config   *Config
	total    atomic.Int64
	blocked  atomic.Int64
	buckets  map[string]*tokenBucket
	mu       sync.Mutex
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryRateLimiter creates a new in-memory rate limiter
func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}

	limiter := &MemoryRateLimiter{
		config:   config,
		buckets:  make(map[string]*tokenBucket),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go limiter.cleanupLoop()
	}
	return limiter
}

// Allow takes one token from the client's bucket for category.
func (r *MemoryRateLimiter) Allow(_ context.Context, clientID, category string) (Decision, error) {
	if !r.config.Enabled {
		return Decision{Allowed: true}, nil
	}
	r.total.Add(1)

	limit := r.config.LimitFor(category)
	key := clientID + ":" + category
	ratePerSecond := float64(limit.RequestsPerMinute) / 60

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(limit.BurstSize), lastRefill: now}
		r.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(float64(limit.BurstSize), bucket.tokens+elapsed*ratePerSecond)
	bucket.lastRefill = now

	decision := Decision{Limit: limit.BurstSize}
	if bucket.tokens >= 1 {
		bucket.tokens--
		decision.Allowed = true
		decision.Remaining = int(bucket.tokens)
		return decision, nil
	}

	r.blocked.Add(1)
	if ratePerSecond > 0 {
		decision.RetryAfter = time.Duration((1 - bucket.tokens) / ratePerSecond * float64(time.Second))
	} else {
		decision.RetryAfter = limit.WindowSize
	}
	return decision, nil
}

// GetStats returns current rate limiter statistics
func (r *MemoryRateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	active := len(r.buckets)
	r.mu.Unlock()

	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
		ActiveBuckets:   active,
	}
}

// Stop ends the cleanup loop.
func (r *MemoryRateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

func (r *MemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep(time.Hour)
		}
	}
}

// sweep drops buckets idle for longer than idle.
func (r *MemoryRateLimiter) sweep(idle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, bucket := range r.buckets {
		if now.Sub(bucket.lastRefill) > idle {
			delete(r.buckets, key)
		}
	}
}
