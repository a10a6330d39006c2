package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

// DefaultRetryableStatusCodes are the upstream HTTP statuses worth retrying
var DefaultRetryableStatusCodes = []int{429, 500, 502, 503, 504}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// Name identifies the retrier in logs
	Name string
	// MaxRetries is the number of retries after the first attempt.
	// An operation is attempted at most MaxRetries+1 times.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Jitter adds up to 10% on top of each delay
	Jitter bool
	// RetryableStatusCodes are the upstream HTTP statuses considered transient
	RetryableStatusCodes []int
	// RetryableErrors overrides the status code classification when set
	RetryableErrors func(error) bool
	// OnRetry is called before sleeping ahead of each retry
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:           3,
		InitialDelay:         500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		RetryableStatusCodes: DefaultRetryableStatusCodes,
	}
}

// DefaultRetryableErrors classifies err against DefaultRetryableStatusCodes
func DefaultRetryableErrors(err error) bool {
	return StatusCodeClassifier(DefaultRetryableStatusCodes)(err)
}

// verdict is the answer of one classification rule. undecided passes the
// error on to the next rule.
type verdict int

const (
	undecided verdict = iota
	retry
	giveUp
)

type rule func(error) verdict

func when(cond bool, v verdict) verdict {
	if cond {
		return v
	}
	return undecided
}

// permanentTypes never succeed on a second try
var permanentTypes = []errors.ErrorType{
	errors.ErrorTypeValidation,
	errors.ErrorTypeNotFound,
	errors.ErrorTypeConflict,
}

// StatusCodeClassifier returns an error classifier that retries the given
// upstream statuses, timeouts and transport faults. Rules are evaluated in
// order and the first decision wins.
func StatusCodeClassifier(codes []int) func(error) bool {
	retryable := make(map[int]bool, len(codes))
	for _, code := range codes {
		retryable[code] = true
	}

	rules := []rule{
		func(err error) verdict { return when(stderrors.Is(err, context.Canceled), giveUp) },
		func(err error) verdict { return when(IsCircuitBreakerError(err), giveUp) },
		func(err error) verdict {
			for _, t := range permanentTypes {
				if errors.IsType(err, t) {
					return giveUp
				}
			}
			return undecided
		},
		func(err error) verdict {
			status := errors.StatusCode(err)
			if status == 0 {
				return undecided
			}
			if retryable[status] {
				return retry
			}
			return giveUp
		},
		func(err error) verdict {
			return when(errors.IsType(err, errors.ErrorTypeTimeout) ||
				errors.IsType(err, errors.ErrorTypeRateLimit) ||
				stderrors.Is(err, context.DeadlineExceeded), retry)
		},
		func(err error) verdict {
			var netErr net.Error
			return when(stderrors.As(err, &netErr), retry)
		},
		func(err error) verdict {
			return when(stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF), retry)
		},
		func(err error) verdict { return when(errors.GetCode(err) == errors.CodeExternal, retry) },
	}

	return func(err error) bool {
		if err == nil {
			return false
		}
		for _, r := range rules {
			if v := r(err); v != undecided {
				return v == retry
			}
		}
		return false
	}
}

// Retrier retries transient failures with capped exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier fills zero config fields with defaults
func NewRetrier(config RetryConfig) *Retrier {
	config.MaxRetries = max(config.MaxRetries, 0)
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		codes := config.RetryableStatusCodes
		if len(codes) == 0 {
			codes = DefaultRetryableStatusCodes
		}
		config.RetryableErrors = StatusCodeClassifier(codes)
	}
	return &Retrier{config: config, logger: logging.GetLogger()}
}

// MaxAttempts returns the total number of attempts an operation may get
func (r *Retrier) MaxAttempts() int {
	return r.config.MaxRetries + 1
}

// Execute runs operation until it succeeds, fails permanently or runs out of
// attempts
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	_, err := r.ExecuteWithStats(ctx, operation)
	return err
}

// ExecuteWithStats is Execute that also reports how many retries ran. A
// non-retryable error is returned unwrapped. Exhausting the attempts wraps the
// last error.
func (r *Retrier) ExecuteWithStats(ctx context.Context, operation func(context.Context) error) (retries int, err error) {
	attempts := r.MaxAttempts()

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return retries, ctxErr
		}

		err = operation(ctx)
		switch {
		case err == nil:
			if retries > 0 {
				r.logger.Info("Operation recovered", "name", r.config.Name, "attempt", attempt, "retries", retries)
			}
			return retries, nil
		case !r.config.RetryableErrors(err):
			r.logger.Debug("Permanent failure", "name", r.config.Name, "attempt", attempt, "error", err.Error())
			return retries, err
		case attempt == attempts && attempts == 1:
			return retries, err
		case attempt == attempts:
			r.logger.Warn("Retries exhausted", "name", r.config.Name, "attempts", attempts, "error", err.Error())
			return retries, fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		retries++

		if waitErr := sleep(ctx, delay); waitErr != nil {
			return retries, waitErr
		}
	}
}

// Do runs operation through r and returns its value
func Do[T any](ctx context.Context, r *Retrier, operation func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = operation(ctx)
		return opErr
	})
	return result, err
}

// calculateDelay returns InitialDelay * BackoffMultiplier^(attempt-1) plus
// jitter, capped at MaxDelay, for the retry following the given 1-based attempt
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if r.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}
	return time.Duration(math.Min(delay, float64(r.config.MaxDelay)))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
