package netguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-autoscaler/operator/internal/clock"
)

func TestBreakerOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker("test", 3, time.Minute, clk)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		err := b.Call(context.Background(), failing)
		assert.Error(t, err)
		assert.Equal(t, StateClosed, b.State())
	}
	err := b.Call(context.Background(), failing)
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker("test", 1, time.Minute, clk)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.Equal(t, ErrBreakerOpen, err)
}

func TestBreakerHalfOpensAfterBackoffAndCloseOnSuccess(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker("test", 1, time.Minute, clk)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	clk.Advance(2 * time.Minute)
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker("test", 1, time.Minute, clk)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	clk.Advance(2 * time.Minute)

	err := b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerThresholdLessThanOneClampedToOne(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker("test", 0, time.Minute, clk)
	err := b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}
