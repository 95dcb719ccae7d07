package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable
// limits. The supervisor uses one to bound how quickly a crashing worker
// process may be relaunched.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified events per second
// and burst size. The burst parameter controls how many events are allowed
// at once; a burst of at least one lets the first worker start proceed
// without delay.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether an event may happen now without waiting.
func (rl *RateLimiter) Allow() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Allow()
}

// Wait blocks until the rate limiter allows an event or the context is
// canceled. It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the limiter's events per second and burst
// size at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
