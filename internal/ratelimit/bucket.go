// Package ratelimit implements a token-bucket rate limiter shared by every
// block worker in a download, so the whole process stays under one global
// bytes-per-second ceiling.
package ratelimit

import (
	"sync"
	"time"
)

// minWait is the floor on how long Acquire sleeps between re-checks, to
// avoid busy-spinning when only a tiny fraction of a token is missing.
const minWait = time.Millisecond

// Bucket is a lazily-refilled token bucket. Capacity always equals one
// second's worth of tokens at the current rate (burst == rate). A rate of
// zero means "unlimited": Acquire returns immediately.
type Bucket struct {
	mu         sync.Mutex
	cond       *sync.Cond
	rate       float64 // tokens/sec; 0 = unlimited
	capacity   float64
	tokens     float64
	lastRefill time.Time
	cancelled  bool
}

// New creates a Bucket with the given initial rate in bytes/sec.
func New(rateBytesPerSec int64) *Bucket {
	b := &Bucket{
		rate:       float64(rateBytesPerSec),
		capacity:   float64(rateBytesPerSec),
		lastRefill: time.Now(),
	}
	b.tokens = b.capacity
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Bucket) refillLocked() {
	if b.rate <= 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Acquire blocks until n tokens are available, then subtracts them and
// returns n. If the bucket is cancelled while waiting, it returns 0
// immediately without consuming any tokens. A rate of 0 (unlimited) always
// returns n without waiting.
func (b *Bucket) Acquire(n int64) int64 {
	if n <= 0 {
		return 0
	}
	want := float64(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.cancelled {
			return 0
		}
		if b.rate <= 0 {
			return n
		}
		b.refillLocked()
		if b.tokens >= want {
			b.tokens -= want
			return n
		}

		deficit := want - b.tokens
		wait := time.Duration(deficit/b.rate*float64(time.Second)) + minWait

		timer := time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
}

// SetRate changes the bucket's rate (and capacity, which always tracks the
// rate) and wakes every blocked Acquire so it can re-evaluate against the
// new rate. Existing tokens are refilled at the old rate first, then
// clamped to the new capacity.
func (b *Bucket) SetRate(newRate int64) {
	b.mu.Lock()
	b.refillLocked()
	b.rate = float64(newRate)
	b.capacity = float64(newRate)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = time.Now()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Rate returns the current rate in bytes/sec (0 means unlimited).
func (b *Bucket) Rate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.rate)
}

// Cancel makes every current and future Acquire return 0 immediately.
func (b *Bucket) Cancel() {
	b.mu.Lock()
	b.cancelled = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
