package peercontrol

import (
	"sync"
	"time"
)

// CircuitState is the state of a per-peer circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreakerConfig configures failure thresholds and cooldown windows.
type CircuitBreakerConfig struct {
	MaxFailures  uint32
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// CircuitBreaker backs off repeatedly-failing peers across passes, an
// enrichment beyond the distilled spec's per-pass "abandon this peer"
// policy extended to a cooldown window that survives across passes.
//
// Adapted from pkg/cache/upstream/circuit_breaker.go, unchanged in shape.
type CircuitBreaker struct {
	mu           sync.RWMutex
	state        CircuitState
	failures     uint32
	lastFailTime time.Time
	config       CircuitBreakerConfig
}

// NewCircuitBreaker constructs a CircuitBreaker, applying defaults for any
// zero-valued config field.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	if config.ResetTimeout == 0 {
		config.ResetTimeout = 5 * time.Minute
	}

	return &CircuitBreaker{state: CircuitClosed, config: config}
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and opens the circuit past the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.failures >= cb.config.MaxFailures {
		cb.state = CircuitOpen
	}
}

// CanAttempt reports whether a request should be attempted against this
// peer right now, moving an open circuit to half-open once its cooldown
// has elapsed.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		if now.Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.failures = 0
		}

		return true
	case CircuitOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = CircuitHalfOpen

			return true
		}

		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state
}
