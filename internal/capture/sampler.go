package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/queue"
	"github.com/rollcap/recorder/internal/rateloop"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
)

// DefaultReadTimeout bounds one IMU read.
const DefaultReadTimeout = 40 * time.Millisecond

// SensorSampler polls the IMU at a fixed rate and appends every reading to
// the synchronization buffer.
type SensorSampler struct {
	dev         device.Adapter
	buf         *queue.Queue[core.Record]
	clock       timeutil.Clock
	logger      *slog.Logger
	readTimeout time.Duration
	loop        *rateloop.Loop

	samples  atomic.Uint64
	failures atomic.Uint64
}

// NewSensorSampler builds a sampler running at hz. With a TimeShare the
// sampler only reads during collect phases.
func NewSensorSampler(dev device.Adapter, buf *queue.Queue[core.Record], hz float64, readTimeout time.Duration, opts ...Option) (*SensorSampler, error) {
	o := buildOptions(opts)
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	s := &SensorSampler{
		dev:         dev,
		buf:         buf,
		clock:       o.clock,
		logger:      o.logger.With("loop", "sensor"),
		readTimeout: readTimeout,
	}

	loopOpts := []rateloop.Option{
		rateloop.WithClock(o.clock),
		rateloop.WithLogger(s.logger),
	}
	if ts := o.timeShare; ts != nil {
		loopOpts = append(loopOpts, rateloop.WithSkip(ts.Moving))
	}
	loop, err := rateloop.New("sensor", hz, loopOpts...)
	if err != nil {
		return nil, err
	}
	s.loop = loop
	return s, nil
}

// Run samples until ctx is cancelled or the device disconnects.
func (s *SensorSampler) Run(ctx context.Context) error {
	return s.loop.Run(ctx, s.tick)
}

// Samples returns the number of samples pushed to the buffer.
func (s *SensorSampler) Samples() uint64 { return s.samples.Load() }

// Failures returns the number of failed reads.
func (s *SensorSampler) Failures() uint64 { return s.failures.Load() }

// Stats returns the loop statistics.
func (s *SensorSampler) Stats() rateloop.Stats { return s.loop.Stats() }

func (s *SensorSampler) tick(ctx context.Context, _ rateloop.Tick) error {
	callCtx, cancel := callContext(ctx, s.readTimeout)
	sample, err := s.dev.ReadIMU(callCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.failures.Add(1)
		err = fmt.Errorf("%w: %w", ErrSensorRead, err)
		if errors.Is(err, device.ErrDisconnected) {
			return rateloop.Fatal(err)
		}
		return err
	}

	sample.CapturedAt = s.clock.Now()
	if s.buf.Push(core.SampleRecord(sample)) {
		s.samples.Add(1)
	}
	return nil
}
