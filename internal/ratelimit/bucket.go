// Package ratelimit implements a token bucket shared by every outbound
// ICC call, so a burst of calls (profile uploads during an incident,
// say) cannot itself overwhelm ICC.
//
// Refill model:
//   - Capacity: configurable (default 100 tokens).
//   - Refill interval: configurable (default 60s).
//   - Refill amount: full capacity (not incremental) — matches the
//     simple "recovers quickly after a burst" model this codebase uses
//     elsewhere for its own rate-limited actions.
//   - Consumption: atomic, cost 1 per call.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume/Wait are atomic under mutex.
//   - The refill goroutine runs for the lifetime of the Bucket; Close
//     stops it.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must be > 0. Call Close() to stop
// the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume one token. Returns true if it was available.
func (b *Bucket) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= 1 {
		b.tokens--
		b.consumedTotal.Add(1)
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled. Used by the
// ICC client so a caller is delayed rather than failed outright when the
// bucket is briefly empty.
func (b *Bucket) Wait(ctx context.Context) error {
	if b.Consume() {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.Consume() {
				return nil
			}
		}
	}
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }
