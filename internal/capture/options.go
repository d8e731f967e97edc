package capture

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"
)

type options struct {
	clock     timeutil.Clock
	logger    *slog.Logger
	rng       *rand.Rand
	timeShare *TimeShare
}

// Option configures a capture loop.
type Option func(*options)

// WithClock sets the clock used for timestamps and loop timing.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRand sets the random source of the movement schedule.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rng = r
		}
	}
}

// WithTimeShare makes the loop follow an alternating move/collect schedule.
func WithTimeShare(ts *TimeShare) Option {
	return func(o *options) {
		o.timeShare = ts
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  timeutil.RealClock{},
		logger: slog.Default(),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// callContext bounds one device or camera call. A zero timeout means no bound.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
