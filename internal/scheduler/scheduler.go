package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trm-dispatch-stats/internal/trm"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	// Offset shifts aligned ticks past the bucket start, e.g. 30m after midnight.
	Offset         time.Duration
	StartupDelay   time.Duration
	RunImmediately bool
	// Location defines local midnight for alignment.
	Location *time.Location
	Clock    trm.Clock
}

// Scheduler drives aligned execution of recompute jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = trm.SystemClock{}
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, tick, s.bucketStart(s.opts.Clock.Now()))
	}

	next := s.nextTick(s.opts.Clock.Now())
	for {
		delay := next.Sub(s.opts.Clock.Now())
		if delay < 0 {
			next = s.nextTick(s.opts.Clock.Now())
			delay = next.Sub(s.opts.Clock.Now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
	}
}

// nextTick returns the first aligned tick strictly after now.
func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := s.align(now).Add(s.opts.Offset)
	for !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

// bucketStart maps a tick time back to the start of its bucket.
func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return s.align(t.Add(-s.opts.Offset))
}

// align truncates t to the interval counted from local midnight. Intervals of
// a day or longer align to local midnight.
func (s *Scheduler) align(t time.Time) time.Time {
	day := trm.StartOfDay(t, s.opts.Location)
	if s.opts.Interval >= 24*time.Hour {
		return day
	}
	elapsed := t.Sub(day)
	return day.Add(elapsed - elapsed%s.opts.Interval)
}
