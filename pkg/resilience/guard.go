package resilience

import (
	"context"
)

// Operation is a unit of work that can be guarded
type Operation func(ctx context.Context) error

// Guard composes a rate limiter, a circuit breaker and a retrier around an
// operation. Every attempt, retries included, takes a limiter slot and passes
// through the breaker.
type Guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retrier *Retrier
}

// NewGuard creates a guard. Any component may be nil to skip that layer.
func NewGuard(limiter *RateLimiter, breaker *CircuitBreaker, retrier *Retrier) *Guard {
	return &Guard{
		limiter: limiter,
		breaker: breaker,
		retrier: retrier,
	}
}

// Wrap returns op guarded by the limiter and breaker for a single attempt
func (g *Guard) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.breaker != nil {
			return g.breaker.Run(ctx, op)
		}
		return op(ctx)
	}
}

// Execute runs op with retries and returns the number of retries performed
func (g *Guard) Execute(ctx context.Context, op Operation) (int, error) {
	attempt := g.Wrap(op)
	if g.retrier == nil {
		return 0, attempt(ctx)
	}
	return g.retrier.ExecuteWithStats(ctx, attempt)
}

// Limiter returns the guard's rate limiter
func (g *Guard) Limiter() *RateLimiter {
	return g.limiter
}

// Breaker returns the guard's circuit breaker
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Retrier returns the guard's retrier
func (g *Guard) Retrier() *Retrier {
	return g.retrier
}
