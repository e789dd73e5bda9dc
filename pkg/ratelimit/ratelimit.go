// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often a single origin IP may log in.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultIdle is how long an unused bucket is kept before it is evicted.
const DefaultIdle = 5 * time.Minute

// Bucket is a token bucket refilled continuously at a fixed rate.
type Bucket struct {
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity, perSecond int64, now time.Time) *Bucket {
	return &Bucket{
		capacity: float64(capacity),
		rate:     float64(perSecond),
		tokens:   float64(capacity),
		last:     now,
	}
}

// Take removes one token if available. Buckets are not safe for concurrent
// use; Limiter serialises access.
func (b *Bucket) Take(now time.Time) bool {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the whole tokens left at the last update.
func (b *Bucket) Tokens() int64 {
	return int64(b.tokens)
}

// Limiter keeps one Bucket per key.
type Limiter struct {
	capacity int64
	refill   int64
	idle     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*Bucket
	sweep   time.Time
}

// NewLimiter returns a limiter allowing bursts of capacity per key, refilled
// by refill tokens per second.
func NewLimiter(capacity, refill int64, idle time.Duration) *Limiter {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Limiter{
		capacity: capacity,
		refill:   refill,
		idle:     idle,
		now:      time.Now,
		buckets:  make(map[string]*Bucket),
	}
}

// Allow takes a token from the bucket of key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.sweep) >= l.idle {
		l.evict(now)
		l.sweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(l.capacity, l.refill, now)
		l.buckets[key] = b
	}
	return b.Take(now)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evict drops buckets unused for longer than the idle period. A bucket idle
// that long is full again, so dropping it loses nothing.
func (l *Limiter) evict(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.last) >= l.idle {
			delete(l.buckets, k)
		}
	}
}
