// Package rateloop runs a unit of work at a fixed target frequency.
//
// Each iteration records its start time, runs the work, then waits for the
// remainder of the period. An iteration that overruns its period is followed
// immediately by the next one; missed iterations are never replayed.
package rateloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrInvalidFrequency is returned by New for a non-positive or non-finite rate.
var ErrInvalidFrequency = errors.New("invalid loop frequency")

// ErrPanic wraps a panic recovered from a work function.
var ErrPanic = errors.New("work panicked")

// Tick identifies one iteration.
type Tick struct {
	Seq   uint64
	Start time.Time
}

// Work is invoked once per iteration. Returning an error counts a failure
// and the loop carries on; returning Fatal(err) stops the loop.
type Work func(ctx context.Context, tick Tick) error

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(c timeutil.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the logger used for failures and lifecycle messages.
func WithLogger(logger Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithJitter randomizes each period uniformly within
// [period*(1-fraction), period*(1+fraction)]. fraction is clamped to [0, 1].
func WithJitter(fraction float64, rng *rand.Rand) Option {
	return func(l *Loop) {
		l.jitter = min(max(fraction, 0), 1)
		if rng != nil {
			l.rng = rng
		}
	}
}

// WithSkip installs a predicate evaluated at the start of every iteration.
// When it returns true the work is not invoked but the loop keeps its pace.
func WithSkip(skip func(now time.Time) bool) Option {
	return func(l *Loop) {
		l.skip = skip
	}
}

// Stats is a snapshot of a loop's counters.
type Stats struct {
	Iterations uint64
	Failures   uint64
	Overruns   uint64
	Skipped    uint64
}

// Loop is a rate-limited iteration driver. A Loop may be Run once.
type Loop struct {
	name   string
	period time.Duration
	clock  timeutil.Clock
	logger Logger
	jitter float64
	rng    *rand.Rand
	skip   func(time.Time) bool

	iterations atomic.Uint64
	failures   atomic.Uint64
	overruns   atomic.Uint64
	skipped    atomic.Uint64

	// OTEL metrics
	attrs          metric.MeasurementOption
	iterCounter    metric.Int64Counter
	failCounter    metric.Int64Counter
	overrunCounter metric.Int64Counter
}

// New creates a loop named name running at hz iterations per second.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(name string, hz float64, opts ...Option) (*Loop, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return nil, fmt.Errorf("%w: %s at %v Hz", ErrInvalidFrequency, name, hz)
	}

	l := &Loop{
		name:   name,
		period: time.Duration(float64(time.Second) / hz),
		clock:  timeutil.RealClock{},
		logger: nopLogger{},
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		attrs:  metric.WithAttributes(attribute.String("loop", name)),
	}
	for _, opt := range opts {
		opt(l)
	}

	m := meter()
	var err error
	l.iterCounter, err = m.Int64Counter(
		"rateloop.iterations",
		metric.WithDescription("Total loop iterations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iterations counter: %w", err)
	}
	l.failCounter, err = m.Int64Counter(
		"rateloop.failures",
		metric.WithDescription("Iterations whose work returned an error or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}
	l.overrunCounter, err = m.Int64Counter(
		"rateloop.overruns",
		metric.WithDescription("Iterations that took longer than the period"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating overruns counter: %w", err)
	}

	return l, nil
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Period returns the nominal iteration period.
func (l *Loop) Period() time.Duration { return l.period }

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Iterations: l.iterations.Load(),
		Failures:   l.failures.Load(),
		Overruns:   l.overruns.Load(),
		Skipped:    l.skipped.Load(),
	}
}

// Run drives work until ctx is cancelled or work returns a fatal error.
// Cancellation is observed between iterations and while waiting, so Run
// returns within one period plus the duration of an in-flight work call.
// It returns nil on cancellation and the unwrapped cause of a fatal error.
func (l *Loop) Run(ctx context.Context, work Work) error {
	l.logger.Debug("loop started", "loop", l.name, "period", l.period)
	defer func() {
		s := l.Stats()
		l.logger.Debug("loop stopped", "loop", l.name,
			"iterations", s.Iterations, "failures", s.Failures, "overruns", s.Overruns)
	}()

	for seq := uint64(0); ; seq++ {
		if ctx.Err() != nil {
			return nil
		}

		start := l.clock.Now()
		if l.skip != nil && l.skip(start) {
			l.skipped.Add(1)
		} else if err := l.invoke(ctx, work, Tick{Seq: seq, Start: start}); err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				l.logger.Error("loop stopped by fatal error", "loop", l.name, "seq", seq, "error", fatal.err)
				return fatal.err
			}
			if ctx.Err() == nil {
				l.failures.Add(1)
				l.failCounter.Add(context.Background(), 1, l.attrs)
				l.logger.Debug("iteration failed", "loop", l.name, "seq", seq, "error", err)
			}
		}
		l.iterations.Add(1)
		l.iterCounter.Add(context.Background(), 1, l.attrs)

		elapsed := l.clock.Since(start)
		wait := l.nextPeriod() - elapsed
		if elapsed > l.period {
			l.overruns.Add(1)
			l.overrunCounter.Add(context.Background(), 1, l.attrs)
		}
		if wait <= 0 {
			continue
		}

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
	}
}

func (l *Loop) nextPeriod() time.Duration {
	if l.jitter == 0 {
		return l.period
	}
	scale := 1 + l.jitter*(2*l.rng.Float64()-1)
	return time.Duration(float64(l.period) * scale)
}

func (l *Loop) invoke(ctx context.Context, work Work, tick Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return work(ctx, tick)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as terminal for the loop. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was produced by Fatal.
func IsFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}
