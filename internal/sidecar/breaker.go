package sidecar

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // normal operation
	BreakerOpen     BreakerState = 1 // sidecar treated as down, calls rejected
	BreakerHalfOpen BreakerState = 2 // one probe call allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = fmt.Errorf("sidecar circuit breaker is open")

// CircuitBreaker guards sidecar RPCs. After maxFailures consecutive
// failures it opens and rejects calls for resetTimeout, then lets one probe
// through; the probe result decides whether it closes or reopens.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	OnStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a breaker tripping after maxFailures
// consecutive failures and probing after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling fn when the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition(BreakerHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case BreakerHalfOpen:
		// The mutex serializes probes; let this one through.
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == BreakerHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(BreakerOpen)
		}
		return err
	}
	if cb.state == BreakerHalfOpen {
		cb.transition(BreakerClosed)
	}
	cb.failures = 0
	return nil
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if to == BreakerClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
