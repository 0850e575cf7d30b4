package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces calls against an upstream request budget, such as the
// signal provider's fetch-per-minute allowance. Token bucket with capacity
// one: calls never burst, they space out at the replenish rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	refilled time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter allowing perMinute calls per minute.
// The first call passes immediately.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		tokens:   1,
		refilled: time.Now(),
	}
}

// Wait blocks until the next call is within budget or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.refilled).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.refilled = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
