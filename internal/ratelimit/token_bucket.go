// Package ratelimit throttles deal traffic per buyer with token buckets.
//
// A bucket allows bursts up to its capacity while holding the sustained rate
// to the refill rate, so one DSP seat cannot flood the seller with deal
// requests on behalf of everyone else.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. Each request consumes one token;
// when the bucket is empty requests are rejected until tokens refill.
//
//	bucket := NewTokenBucket(20, 5) // burst of 20, 5 tokens/second
//	if !bucket.Allow() {
//	    // reject with 429
//	}
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time

	mu         sync.Mutex
	hitCount   int64 // rejected requests
	totalCount int64
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Stats returns how many requests were rejected and how many were seen.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}
