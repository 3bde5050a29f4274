package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToTick  bool
	StartupDelay time.Duration
}

// Scheduler fires a tick function at a fixed rate. At most one tick runs at a
// time; a tick that comes due while the previous one is still running is skipped.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	busy     atomic.Bool
	inflight sync.WaitGroup

	skipped  metric.Int64Counter
	duration metric.Float64Histogram
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}

	meter := otel.Meter("fundings-screener/scheduler")
	skipped, _ := meter.Int64Counter("scheduler.ticks_skipped",
		metric.WithDescription("Ticks skipped because the previous tick was still running"),
		metric.WithUnit("{tick}"))
	duration, _ := meter.Float64Histogram("scheduler.tick.duration",
		metric.WithDescription("Tick execution time"),
		metric.WithUnit("ms"))

	return &Scheduler{
		opts:     opts,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		skipped:  skipped,
		duration: duration,
	}
}

// Run blocks, firing the tick function at each aligned interval until ctx is
// cancelled. It waits for an in-flight tick before returning.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.inflight.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.TryRun(ctx, s.tickStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

// TryRun starts tick in the background unless one is already running. It
// reports whether the tick was started.
func (s *Scheduler) TryRun(ctx context.Context, at time.Time, tick TickFunc) bool {
	if !s.busy.CompareAndSwap(false, true) {
		if s.skipped != nil {
			s.skipped.Add(ctx, 1)
		}
		s.logger.Warn().Time("tick", at).Msg("previous tick still running; skipping")
		return false
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.busy.Store(false)

		start := time.Now()
		s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}
		if s.duration != nil {
			s.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()
	return true
}

// Wait blocks until the in-flight tick, if any, returns.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToTick {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToTick {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
