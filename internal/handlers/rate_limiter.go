package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// shopRateLimiter keeps one token bucket per shop. A bucket holds limit tokens and refills fully over
// window, so a shop can burst its whole budget and then waits for the refill.
type shopRateLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*shopBucket
}

type shopBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newShopRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &shopRateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		clock:   clock,
		buckets: make(map[string]*shopBucket),
	}
}

func (l *shopRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		l.evictIdleLocked(now)
		bucket = &shopBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

// evictIdleLocked drops buckets untouched for a full window; they would have refilled anyway.
func (l *shopRateLimiter) evictIdleLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
}
