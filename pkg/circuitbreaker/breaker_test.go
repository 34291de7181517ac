package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errBoom }), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called)
}

func TestHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("embed", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsFailureIgnoresSelectedErrors(t *testing.T) {
	ignored := errors.New("caller mistake")
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, ignored) },
	})

	_ = cb.Execute(context.Background(), func() error { return ignored })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	assert.Equal(t, []string{"llm:closed->open"}, transitions)
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("x", Config{})
	v, err := ExecuteWithResult(context.Background(), cb, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, "x", cb.Name())
}
