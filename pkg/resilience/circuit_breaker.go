package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

// CircuitState is the position of a circuit breaker
type CircuitState int

const (
	// StateClosed lets every call through
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a single trial call through
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "CLOSED",
	StateOpen:     "OPEN",
	StateHalfOpen: "HALF_OPEN",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	Name string
	// Threshold is the number of consecutive failures that opens the circuit.
	// Defaults to 5.
	Threshold uint32
	// Cooldown is how long the circuit stays open before a trial. Defaults
	// to 30s.
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the circuit.
	// Errors it rejects are recorded as successes.
	IsFailure func(err error) bool
	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker.
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// Counts are the outcomes recorded since the last state change
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	c.Requests++
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker opens after Threshold consecutive failures, rejects calls
// for Cooldown, then admits exactly one trial. The trial's outcome closes or
// reopens the circuit.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitState
	epoch    uint64
	openedAt time.Time
	trial    bool
	counts   Counts
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold == 0 {
		config.Threshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{
		cfg:    config,
		logger: logging.GetLogger(),
		now:    time.Now,
	}
}

// DefaultIsFailure counts every error except a not-found answer, which
// proves the upstream is healthy.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.IsNotFound(err)
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, moving an expired open circuit to
// half-open
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.now())
	return cb.state
}

// Counts returns the counts since the last state change
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow admits one call. The caller must report its outcome through done.
// A rejected call returns a *CircuitBreakerError and no done func.
func (cb *CircuitBreaker) Allow() (done func(err error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(cb.now())
	switch {
	case cb.state == StateOpen, cb.state == StateHalfOpen && cb.trial:
		return nil, &CircuitBreakerError{Name: cb.cfg.Name, State: cb.state}
	case cb.state == StateHalfOpen:
		cb.trial = true
	}

	epoch := cb.epoch
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(epoch, !cb.cfg.IsFailure(err)) })
	}, nil
}

// Execute runs req if the circuit admits it. A panic in req counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	done, err := cb.Allow()
	if err != nil {
		return nil, err
	}

	completed := false
	defer func() {
		if !completed {
			done(fmt.Errorf("circuit %s: operation panicked", cb.cfg.Name))
		}
	}()

	result, err := req(ctx)
	completed = true
	done(err)
	return result, err
}

// Run is Execute for operations without a result
func (cb *CircuitBreaker) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

// report records an outcome unless the circuit changed state since the call
// was admitted
func (cb *CircuitBreaker) report(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}

	cb.counts.record(success)
	switch cb.state {
	case StateHalfOpen:
		if success {
			cb.transition(StateClosed, now)
		} else {
			cb.transition(StateOpen, now)
		}
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.cfg.Threshold {
			cb.transition(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) refresh(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.transition(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures

	cb.state = to
	cb.epoch++
	cb.counts = Counts{}
	cb.trial = false
	if to == StateOpen {
		cb.openedAt = now
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}

	log := cb.logger.Info
	if to == StateOpen {
		log = cb.logger.Warn
	}
	log("Circuit breaker state changed",
		"name", cb.cfg.Name,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", failures,
	)
}

// CircuitBreakerError is returned without calling the operation when the
// circuit rejects a request.
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// Unwrap exposes the rejection as an unavailable AppError
func (e *CircuitBreakerError) Unwrap() error {
	return errors.NewUnavailableError(e.Name, "upstream temporarily disabled by circuit breaker")
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr)
}
