// Package ratelimit implements the Token-Bucket Rate Limiter (§4.7):
// per-key (source address) buckets with a capacity and a linear
// refill window, used by the server acceptance pipeline to throttle
// connection attempts.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a keyed set of token buckets. A bucket for a given key is
// created lazily on first use with the configured limit and window.
type Limiter struct {
	limit    int
	windowMs int64

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New returns a Limiter where each key's bucket holds limit tokens and
// refills linearly to full capacity over windowMs milliseconds.
func New(limit int, windowMs int64) *Limiter {
	return &Limiter{limit: limit, windowMs: windowMs, buckets: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from key's bucket, creating it if this is
// the first request for key. It reports false (refusing the request)
// when the bucket has no tokens available.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).Allow()
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = l.newBucket()
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) newBucket() *rate.Limiter {
	if l.limit <= 0 || l.windowMs <= 0 {
		// A non-positive limit or window means "unlimited" rather than
		// a divide-by-zero; rate.Inf never refuses.
		return rate.NewLimiter(rate.Inf, 1)
	}
	perSecond := float64(l.limit) / (float64(l.windowMs) / 1000.0)
	return rate.NewLimiter(rate.Limit(perSecond), l.limit)
}

// Reset drops the bucket for key, so the next Allow starts fresh at
// full capacity.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

