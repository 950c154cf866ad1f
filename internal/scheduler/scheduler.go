// Package scheduler drives periodic compliance checks.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"compliance-guardian/internal/logging"
)

// CheckFunc runs one compliance period ending at the given boundary.
type CheckFunc func(ctx context.Context, period time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToPeriod bool
	StartupDelay  time.Duration
}

// Scheduler invokes a CheckFunc once per period and on demand.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	trigger chan struct{}
}

// New constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:    opts,
		logger:  logging.Component(logger, "scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
	}, nil
}

// Trigger requests an immediate check. Requests made while one is already
// pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, invoking check at each period boundary and on Trigger until
// ctx is cancelled. Check failures are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, check CheckFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextBoundary(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextBoundary(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_check", next).Msg("waiting for next compliance period")

		var period time.Time
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
			period = s.now()
			s.logger.Info().Time("period", period).Msg("manual compliance check")
		case <-timer.C:
			period = s.periodStart(next)
			next = next.Add(s.opts.Interval)
			s.logger.Info().Time("period", period).Msg("scheduled compliance check")
		}

		if err := check(ctx, period); err != nil {
			s.logger.Error().Err(err).Time("period", period).Msg("compliance check failed")
		}
	}
}

func (s *Scheduler) nextBoundary(now time.Time) time.Time {
	if !s.opts.AlignToPeriod {
		return now.Add(s.opts.Interval)
	}
	boundary := now.Truncate(s.opts.Interval)
	if !boundary.After(now) {
		boundary = boundary.Add(s.opts.Interval)
	}
	return boundary
}

func (s *Scheduler) periodStart(t time.Time) time.Time {
	if !s.opts.AlignToPeriod {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
