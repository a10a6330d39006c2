// Package resilience provides the outbound-call guards shared by annotation
// sources: a rate limiter, a retrier with exponential backoff and a circuit
// breaker, plus a Guard that composes them.
//
// # Rate Limiting
//
// A RateLimiter enforces a minimum spacing of 1/rps between dispatches. It
// refuses a non-positive rate at construction.
//
//	limiter, err := resilience.NewRateLimiter("ensembl", 15)
//	if err != nil {
//		return err
//	}
//	if err := limiter.Wait(ctx); err != nil {
//		return err
//	}
//
// # Retry with Exponential Backoff
//
// The retrier attempts an operation MaxRetries+1 times. The delay before the
// n-th retry is InitialDelay*BackoffMultiplier^(n-1), capped at MaxDelay, with
// optional jitter. HTTP 429/500/502/503/504, timeouts and transport faults are
// retryable; not-found, validation and circuit-open errors are not.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	retries, err := retrier.ExecuteWithStats(ctx, func(ctx context.Context) error {
//		return callUpstream(ctx)
//	})
//
// Do returns the operation's value as well:
//
//	entry, err := resilience.Do(ctx, retrier, fetchEntry)
//
// # Circuit Breaker
//
// The breaker opens after Threshold consecutive failures, rejects calls
// without running them until Cooldown elapses, then admits a single trial.
// A successful trial closes the circuit; a failed one reopens it.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:      "uniprot",
//		Threshold: 5,
//		Cooldown:  time.Minute,
//	})
//
// # Guard
//
// A Guard applies limiter and breaker to every attempt made by the retrier,
// so retries consume rate-limit slots like first attempts do.
//
//	guard := resilience.NewGuard(limiter, cb, retrier)
//	retries, err := guard.Execute(ctx, op)
package resilience
