package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval boundary.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	Now          func() time.Time
}

// Scheduler triggers scan cycles on a fixed cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler. It panics on a non-positive interval.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A tick that
// overruns the interval skips the boundaries it missed.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.Next(s.opts.Now().UTC())
	for {
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next scan tick")
		if err := sleep(ctx, next.Sub(s.opts.Now())); err != nil {
			return err
		}

		at := s.boundary(next)
		started := s.opts.Now()
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("scheduled scan failed")
		} else {
			s.logger.Info().Time("tick", at).Dur("elapsed", s.opts.Now().Sub(started)).Msg("scheduled scan finished")
		}

		next = next.Add(s.opts.Interval)
		if now := s.opts.Now().UTC(); !next.After(now) {
			skipped := now.Sub(next)/s.opts.Interval + 1
			s.logger.Warn().Int64("skipped", int64(skipped)).Msg("scan overran its interval")
			next = s.Next(now)
		}
	}
}

// Next returns the first tick strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	aligned := now.Truncate(s.opts.Interval)
	if !aligned.After(now) {
		aligned = aligned.Add(s.opts.Interval)
	}
	return aligned
}

func (s *Scheduler) boundary(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
