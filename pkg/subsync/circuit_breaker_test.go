package subsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	now := time.Now()
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		func(state CircuitBreakerState) { lastState = state })
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func() error { return errors.New("smtp 451") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestDefaultCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	now = now.Add(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_SingleProbe(t *testing.T) {
	now := time.Now()
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	now = now.Add(time.Second)

	err := cb.Execute(ctx, func() error {
		// A second caller arriving while the probe runs is rejected.
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1}, nil)
	ctx := context.Background()

	err := cb.Execute(ctx, func() error { return Permanent(errors.New("no email address")) })
	assert.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), context.Canceled)
}
