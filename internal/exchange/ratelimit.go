package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by CLOB API endpoint category. The
// published limits are per 10-second window; capacities are set to the
// window allowance with a smooth 1/10th refill so bursts never trip the
// hard limit.
type RateLimiter struct {
	Order *TokenBucket // POST /order
	Book  *TokenBucket // GET /book
	Data  *TokenBucket // balances, positions, trade lookups
}

// NewRateLimiter creates limiters tuned to the published API limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(350, 50), // 3500 per 10s window
		Book:  NewTokenBucket(150, 15), // 1500 per 10s window
		Data:  NewTokenBucket(100, 10), // 1000 per 10s window
	}
}
