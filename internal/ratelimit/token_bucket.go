// Package ratelimit provides a deterministic token bucket used to bound the
// inbound message rate of each voice WebSocket connection.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// One token is 1e9 nano-tokens; a fill rate of X tokens/sec therefore adds X
// nano-tokens per elapsed nanosecond. Fixed point avoids float rounding drift
// under sustained load.
const nanoPerToken int64 = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) against the provided
// Clock. It is safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:     clock,
		capacity:  capacityTokens,
		fillRate:  fillRate,
		available: toNano(capacityTokens),
		last:      clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now

	// elapsed <= 0 also covers a clock that went backwards: the reference
	// point moves without any refill.
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capacity := toNano(b.capacity)
	missing := capacity - b.available
	if missing <= 0 {
		b.available = capacity
		return
	}

	// elapsed * fillRate overflows after long idle periods; any wait at least
	// as long as the time needed to top up is simply a full refill.
	if fillTime := time.Duration(missing / b.fillRate); elapsed >= fillTime {
		b.available = capacity
		return
	}
	b.available += elapsed.Nanoseconds() * b.fillRate
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nanoPerToken {
		return math.MaxInt64
	}
	return tokens * nanoPerToken
}
