// Package circuitbreaker stops calling a backend that keeps failing, so
// ingest requests fail fast with "unavailable" instead of each waiting out
// its own timeout.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/florinutz/iceingest/metrics"
)

// ErrOpen is returned by Do while the breaker is refusing calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreaker implements a three-state circuit breaker. Only one trial
// call is let through while half-open.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
}

// New creates a breaker that opens after maxFailures consecutive failures
// and tries again after resetTimeout. maxFailures <= 0 returns nil, and a
// nil breaker admits everything.
func New(name string, maxFailures int, resetTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	if maxFailures <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		logger:       logger.With("component", "circuit_breaker", "breaker", name),
		now:          time.Now,
		state:        StateClosed,
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(StateClosed.gauge())
	return cb
}

// Allow reports whether a call may proceed. An open breaker turns half-open
// once resetTimeout has passed since the last failure and admits one trial.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			metrics.CircuitBreakerRejected.WithLabelValues(cb.name).Inc()
			return false
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "previous_failures", cb.failures)
		cb.trial = true
		return true
	case StateHalfOpen:
		if cb.trial {
			metrics.CircuitBreakerRejected.WithLabelValues(cb.name).Inc()
			return false
		}
		cb.trial = true
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trial = false
	if cb.state != StateClosed {
		cb.logger.Info("circuit breaker closed after successful trial")
		cb.setState(StateClosed)
	}
}

// RecordFailure counts a failure. Reaching maxFailures, or failing the
// half-open trial, opens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.trial = false

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened after half-open failure", "failures", cb.failures)
	case cb.state == StateClosed && cb.failures >= cb.maxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker opened", "failures", cb.failures, "max_failures", cb.maxFailures)
	}
}

// Do runs fn when the breaker allows it. failed decides which errors count
// against the backend; nil counts every error.
func (cb *CircuitBreaker) Do(fn func() error, failed func(error) bool) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (failed == nil || failed(err)) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	if cb == nil {
		return StateClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(s.gauge())
}
