package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rollcap/recorder/internal/camera"
	"github.com/rollcap/recorder/internal/persistence"
	"github.com/rollcap/recorder/internal/queue"
	"github.com/rollcap/recorder/internal/rateloop"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/internal/video"
	"github.com/rollcap/recorder/pkg/core"
)

// DefaultFrameTimeout bounds one camera read.
const DefaultFrameTimeout = 200 * time.Millisecond

// FrameRecorder grabs frames at a fixed rate, stamps the elapsed time onto
// each one, hands it to the video sink and logs its timestamp in the buffer.
type FrameRecorder struct {
	src         camera.Source
	sink        video.Sink
	buf         *queue.Queue[core.Record]
	clock       timeutil.Clock
	logger      *slog.Logger
	start       time.Time
	readTimeout time.Duration
	loop        *rateloop.Loop

	seq          uint64 // loop goroutine only
	frames       atomic.Uint64
	readFailures atomic.Uint64
	sinkFailures atomic.Uint64
}

// NewFrameRecorder builds a recorder running at fps. Overlay times are
// relative to start.
func NewFrameRecorder(src camera.Source, sink video.Sink, buf *queue.Queue[core.Record], fps float64, start time.Time, readTimeout time.Duration, opts ...Option) (*FrameRecorder, error) {
	o := buildOptions(opts)
	if readTimeout <= 0 {
		readTimeout = DefaultFrameTimeout
	}
	r := &FrameRecorder{
		src:         src,
		sink:        sink,
		buf:         buf,
		clock:       o.clock,
		logger:      o.logger.With("loop", "frames"),
		start:       start,
		readTimeout: readTimeout,
	}
	loop, err := rateloop.New("frames", fps,
		rateloop.WithClock(o.clock),
		rateloop.WithLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}
	r.loop = loop
	return r, nil
}

// Run records until ctx is cancelled or the camera is lost.
func (r *FrameRecorder) Run(ctx context.Context) error {
	return r.loop.Run(ctx, r.tick)
}

// Frames returns the number of frames written to the sink and logged.
func (r *FrameRecorder) Frames() uint64 { return r.frames.Load() }

// ReadFailures returns the number of failed camera reads.
func (r *FrameRecorder) ReadFailures() uint64 { return r.readFailures.Load() }

// SinkFailures returns the number of frames the video sink rejected.
func (r *FrameRecorder) SinkFailures() uint64 { return r.sinkFailures.Load() }

// Stats returns the loop statistics.
func (r *FrameRecorder) Stats() rateloop.Stats { return r.loop.Stats() }

func (r *FrameRecorder) tick(ctx context.Context, _ rateloop.Tick) error {
	callCtx, cancel := callContext(ctx, r.readTimeout)
	img, err := r.src.ReadFrame(callCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.readFailures.Add(1)
		err = fmt.Errorf("%w: %w", ErrFrameRead, err)
		if errors.Is(err, camera.ErrClosed) {
			return rateloop.Fatal(err)
		}
		return err
	}

	at := r.clock.Now()
	stamped := camera.Overlay(img, camera.Stamp(at.Sub(r.start)))
	if err := r.sink.WriteFrame(stamped); err != nil {
		r.sinkFailures.Add(1)
		err = fmt.Errorf("%w: video: %w", persistence.ErrSinkWrite, err)
		if errors.Is(err, video.ErrClosed) {
			return rateloop.Fatal(err)
		}
		return err
	}

	if r.buf.Push(core.FrameRecord(core.FrameStamp{Seq: r.seq, CapturedAt: at})) {
		r.seq++
		r.frames.Add(1)
	}
	return nil
}
