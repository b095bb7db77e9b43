// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package resilience implements the per-worker circuit breaker described
// in spec.md §4.1.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/metrics"
)

// State is one of the three circuit breaker states.
type State int32

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
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerOpenError is returned by Execute and CanExecute when the
// breaker is not currently admitting traffic.
type CircuitBreakerOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry after %s", e.RetryAfter)
}

// CircuitBreaker tracks the failure/success history of calls to one
// worker and gates further calls per spec.md §4.1. The zero value is not
// usable; construct with NewCircuitBreaker.
type CircuitBreaker struct {
	cfg config.CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time // rolling window of failure timestamps, Closed state only
	deadline      time.Time   // Open state: when a half-open probe is admitted
	halfOpenBusy  bool        // true once one caller has been admitted as the half-open probe
	consecSuccess int
}

// NewCircuitBreaker builds a breaker in the Closed state.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 30 * time.Second
	}
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current state without mutating it, except for the
// lazily-evaluated Open→HalfOpen transition which CanExecute performs.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanExecute reports whether a new call may be attempted right now. In the
// Open state it performs the deadline check and, exactly once, the
// Open→HalfOpen transition (the CAS contract from spec.md §4.1 is
// implemented by the mutex: only the caller that observes
// deadline-elapsed-and-not-yet-half-open-busy wins the admission).
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

// Peek reports whether the breaker currently looks admitting, without
// consuming the single half-open probe slot or performing the
// Open->HalfOpen transition — unlike CanExecute, calling Peek has no
// side effect. It exists for non-mutating candidate filtering over many
// workers at once; the real admission decision for whichever worker a
// routing policy actually selects must still go through CanExecute
// exactly once, or multiple filtered-but-unselected half-open workers
// would each burn their one probe with no request ever dispatched and no
// RecordOutcome ever arriving to release it.
func (cb *CircuitBreaker) Peek() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.halfOpenBusy
	case StateOpen:
		return !time.Now().Before(cb.deadline)
	default:
		return false
	}
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return false
		}
		cb.halfOpenBusy = true
		return true
	case StateOpen:
		if time.Now().Before(cb.deadline) {
			return false
		}
		cb.state = StateHalfOpen
		cb.consecSuccess = 0
		cb.halfOpenBusy = true
		metrics.IncrCounter([]string{"breaker", "transition", "half_open"}, 1)
		return true
	default:
		return false
	}
}

// RecordOutcome reports the result of one call that CanExecute previously
// admitted.
func (cb *CircuitBreaker) RecordOutcome(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			return
		}
		cb.pruneFailuresLocked()
		cb.failures = append(cb.failures, time.Now())
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		cb.halfOpenBusy = false
		if success {
			cb.consecSuccess++
			if cb.consecSuccess >= cb.cfg.SuccessThreshold {
				cb.closeLocked()
			}
			return
		}
		cb.openLocked()
	case StateOpen:
		// A stray outcome report after the deadline already flipped us back
		// to Open by another path; nothing to do.
	}
}

func (cb *CircuitBreaker) pruneFailuresLocked() {
	cutoff := time.Now().Add(-cb.cfg.WindowDuration)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.deadline = time.Now().Add(cb.cfg.TimeoutDuration)
	cb.failures = nil
	cb.halfOpenBusy = false
	cb.consecSuccess = 0
	metrics.IncrCounter([]string{"breaker", "transition", "open"}, 1)
}

func (cb *CircuitBreaker) closeLocked() {
	cb.state = StateClosed
	cb.failures = nil
	cb.halfOpenBusy = false
	cb.consecSuccess = 0
	metrics.IncrCounter([]string{"breaker", "transition", "closed"}, 1)
}

// Execute is a convenience wrapper: it checks CanExecute, runs fn if
// admitted, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		retryAfter := time.Until(cb.currentDeadline())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &CircuitBreakerOpenError{RetryAfter: retryAfter}
	}
	err := fn()
	cb.RecordOutcome(err == nil)
	return err
}

func (cb *CircuitBreaker) currentDeadline() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.deadline
}
