package resilience

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

// RateLimiter spaces dispatches at least 1/rps apart. Concurrent callers are
// served in reservation order and share the same spacing.
type RateLimiter struct {
	name       string
	rps        float64
	interval   time.Duration
	limiter    *rate.Limiter
	dispatched atomic.Uint64
	observe    func(name string, waited time.Duration)
}

// NewRateLimiter creates a limiter allowing requestsPerSecond dispatches per
// second with no burst.
func NewRateLimiter(name string, requestsPerSecond float64) (*RateLimiter, error) {
	if requestsPerSecond <= 0 {
		return nil, errors.NewValidationError(
			fmt.Sprintf("rate limiter %q: requests per second must be positive, got %v", name, requestsPerSecond)).
			WithDetail("limiter", name)
	}

	return &RateLimiter{
		name:     name,
		rps:      requestsPerSecond,
		interval: time.Duration(float64(time.Second) / requestsPerSecond),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}, nil
}

// Wait blocks until the next dispatch slot is available or ctx is done
func (l *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the slot lies beyond the context deadline
		return errors.NewTimeoutError(fmt.Sprintf("rate limiter %q wait", l.name)).WithCause(err)
	}
	l.dispatched.Add(1)
	if l.observe != nil {
		l.observe(l.name, time.Since(start))
	}
	return nil
}

// Observe registers fn to receive the time spent waiting for each granted
// slot. It must be called before the limiter is shared.
func (l *RateLimiter) Observe(fn func(name string, waited time.Duration)) {
	l.observe = fn
}

// Name returns the limiter name
func (l *RateLimiter) Name() string {
	return l.name
}

// RequestsPerSecond returns the configured rate
func (l *RateLimiter) RequestsPerSecond() float64 {
	return l.rps
}

// Interval returns the minimum spacing between dispatches
func (l *RateLimiter) Interval() time.Duration {
	return l.interval
}

// Dispatched returns the number of slots granted so far
func (l *RateLimiter) Dispatched() uint64 {
	return l.dispatched.Load()
}
