// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("closed_state", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{FailureThreshold: 2})
		err := cb.Execute(func() error { return nil })
		require.NoError(t, err)
		require.Equal(t, StateClosed, cb.State())
	})

	t.Run("open_state", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			TimeoutDuration:  10 * time.Second,
		})

		cb.Execute(func() error { return errors.New("boom") })
		cb.Execute(func() error { return errors.New("boom") })
		require.Equal(t, StateOpen, cb.State())

		err := cb.Execute(func() error { return nil })
		require.Error(t, err)
		require.IsType(t, &CircuitBreakerOpenError{}, err)
	})

	t.Run("half_open_recovers", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			TimeoutDuration:  10 * time.Millisecond,
		})

		cb.Execute(func() error { return errors.New("boom") })
		cb.Execute(func() error { return errors.New("boom") })
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(15 * time.Millisecond)

		err := cb.Execute(func() error { return nil })
		require.NoError(t, err)
		require.Equal(t, StateClosed, cb.State())
	})

	t.Run("half_open_reopens_on_failure", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			TimeoutDuration:  10 * time.Millisecond,
		})

		cb.Execute(func() error { return errors.New("boom") })
		cb.Execute(func() error { return errors.New("boom") })
		time.Sleep(15 * time.Millisecond)

		err := cb.Execute(func() error { return errors.New("boom again") })
		require.Error(t, err)
		require.Equal(t, StateOpen, cb.State())
	})

	t.Run("half_open_admits_exactly_one_probe", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 1,
			TimeoutDuration:  10 * time.Millisecond,
		})
		cb.Execute(func() error { return errors.New("boom") })
		time.Sleep(15 * time.Millisecond)
		require.Equal(t, StateOpen, cb.State())

		require.True(t, cb.CanExecute())
		require.False(t, cb.CanExecute(), "only one caller may be admitted as the half-open probe")
	})

	t.Run("peek_does_not_consume_half_open_probe", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 1,
			TimeoutDuration:  10 * time.Millisecond,
		})
		cb.Execute(func() error { return errors.New("boom") })
		time.Sleep(15 * time.Millisecond)
		require.Equal(t, StateOpen, cb.State(), "Peek must not itself perform the Open->HalfOpen transition")

		require.True(t, cb.Peek())
		require.True(t, cb.Peek(), "repeated Peek calls must not consume the probe slot")
		require.Equal(t, StateOpen, cb.State())

		require.True(t, cb.CanExecute(), "the real admission check still performs the transition")
		require.False(t, cb.CanExecute(), "and still admits only one caller as the probe")
	})

	t.Run("success_never_opens_closed_breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(config.CircuitBreakerConfig{FailureThreshold: 2})
		for i := 0; i < 50; i++ {
			require.NoError(t, cb.Execute(func() error { return nil }))
		}
		require.Equal(t, StateClosed, cb.State())
	})
}
