package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestNextBoundaryAligned(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToPeriod: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), s.nextBoundary(now))

	onBoundary := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), s.nextBoundary(onBoundary))
	assert.Equal(t, onBoundary, s.periodStart(onBoundary.Add(5*time.Minute)))
}

func TestNextBoundaryUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 10, 17, 13, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextBoundary(now))
	assert.Equal(t, now, s.periodStart(now))
}

func TestRunInvokesCheckUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("keeps going")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestTriggerRunsImmediately(t *testing.T) {
	s, err := New(Options{Interval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan struct{}, 1)
	go func() {
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			ran <- struct{}{}
			return nil
		})
	}()

	s.Trigger()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("manual trigger did not run a check")
	}
}
