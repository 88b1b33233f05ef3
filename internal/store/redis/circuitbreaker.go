package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting publishes.
var ErrCircuitOpen = errors.New("redis: circuit breaker open")

// State is the breaker position. The numeric values are exported as a
// Prometheus gauge, so they are fixed.
type State int

const (
	StateClosed   State = 0 // publishing normally
	StateOpen     State = 1 // Redis unreachable, publishes fail fast
	StateHalfOpen State = 2 // probing with a single publish
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

// CircuitBreaker keeps a dead Redis from stalling candle fan-out. After
// maxFailures consecutive publish errors it opens and fails fast, which
// lets the buffered publisher queue candles in memory instead of blocking
// on timeouts. resetTimeout later a single probe publish is allowed
// through; success closes the breaker, and the close transition triggers
// the buffer replay.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	// OnStateChange observes transitions; the buffered publisher chains
	// its replay off it and ingestd feeds the state gauge.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker tripping after maxFailures
// consecutive errors and probing after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Execute runs one publish attempt through the breaker. While open it
// returns ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.observe(err)
	return err
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		// A failed probe reopens immediately.
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return
	}
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
