package apperrors

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker's current posture.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// half-open state required to close the breaker.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing a
	// half-open trial call.
	Timeout time.Duration
}

// degradedError is returned by Execute when a call is rejected because the
// circuit is open.
type degradedError struct {
	name string
}

func (e *degradedError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open: call rejected", e.name)
}

// IsDegraded reports whether err came from a call rejected by an open
// circuit breaker.
func IsDegraded(err error) bool {
	_, ok := err.(*degradedError)
	return ok
}

// Metrics is a point-in-time snapshot of a CircuitBreaker's counters.
type Metrics struct {
	Successes int64
	Failures  int64
	Rejected  int64
}

// CircuitBreaker is a minimal hand-rolled breaker: closed → open on N
// consecutive failures, open → half-open after Timeout, half-open → closed
// on N consecutive successes or back to open on any failure.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time

	successes int64
	failures  int64
	rejected  int64
}

// NewCircuitBreaker creates a named breaker in the closed state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{name: name, config: config, state: StateClosed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// currentStateLocked resolves StateOpen → StateHalfOpen once Timeout has
// elapsed, without mutating persistent failure/success counters.
func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Metrics returns a snapshot of the breaker's call counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Metrics{Successes: cb.successes, Failures: cb.failures, Rejected: cb.rejected}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	if state == StateOpen {
		cb.rejected++
		cb.mu.Unlock()
		return &degradedError{name: cb.name}
	}
	if state == StateHalfOpen && cb.state == StateOpen {
		// First trial call since the timeout elapsed: move into half-open.
		cb.state = StateHalfOpen
		cb.consecutiveOK = 0
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.consecutiveOK = 0
		cb.consecutiveFail++
		if cb.state == StateHalfOpen || cb.consecutiveFail >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
		return err
	}

	cb.successes++
	cb.consecutiveFail = 0
	if cb.state == StateHalfOpen {
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.consecutiveOK = 0
		}
	}
	return nil
}
