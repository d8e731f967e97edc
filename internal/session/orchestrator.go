// Package session runs one recording session end to end: it opens the
// collaborators, supervises the capture loops and shuts everything down in
// order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rollcap/recorder/internal/camera"
	"github.com/rollcap/recorder/internal/capture"
	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/monitor"
	"github.com/rollcap/recorder/internal/persistence"
	"github.com/rollcap/recorder/internal/queue"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/internal/storage/rundir"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/internal/video"
	"github.com/rollcap/recorder/pkg/core"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDeviceInit wraps a failure to open or wake the robot.
	ErrDeviceInit = errors.New("device initialization failed")
	// ErrCameraInit wraps a failure to open the camera.
	ErrCameraInit = errors.New("camera initialization failed")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("session already run")
)

// Movement modes.
const (
	ModeContinuous  = "continuous"
	ModeAlternating = "alternating"
)

// shutdownCallTimeout bounds the stop and sleep commands sent on the way out.
const shutdownCallTimeout = time.Second

// Config holds everything a session needs besides its collaborators.
type Config struct {
	OutputDir       string
	MaxDuration     time.Duration
	JoinTimeout     time.Duration
	StatusInterval  time.Duration
	BatteryInterval time.Duration

	SensorHz          float64
	VideoFps          float64
	SensorReadTimeout time.Duration
	FrameReadTimeout  time.Duration

	MovementEnabled bool
	MovementMode    string
	MoveTime        time.Duration
	CollectTime     time.Duration
	Movement        capture.MovementConfig

	Storage persistence.Config

	// Descriptive fields copied into the metadata.
	Transport string
	Device    string
	Camera    string
	Version   string
}

// Dependencies open the collaborators. Each is called once per session.
type Dependencies struct {
	OpenDevice func(ctx context.Context) (device.Pair, error)
	OpenCamera func(ctx context.Context) (camera.Source, error)
	OpenVideo  func(runDir string) (video.Sink, error)
	// Mirrors is optional and returns the secondary backends for runDir.
	Mirrors func(runDir string) []storage.Backend

	Clock   timeutil.Clock
	Logger  *slog.Logger
	Context *Context
}

// Orchestrator runs a single session.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	clock  timeutil.Clock
	logger *slog.Logger
	sc     *Context
	ran    atomic.Bool

	errOnce  sync.Once
	firstErr error

	durationElapsed atomic.Bool

	// buf outlives Run so late producers can still be accounted for.
	buf *queue.Queue[core.Record]
}

// New creates an orchestrator. Nothing is opened until Run.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Context == nil {
		deps.Context = NewContext()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.MovementMode == "" {
		cfg.MovementMode = ModeContinuous
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger,
		sc:     deps.Context,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return o.sc.State()
}

// Context returns the session context shared with logging and monitoring.
func (o *Orchestrator) Context() *Context {
	return o.sc
}

// Dropped returns how many records reached the buffer after the final drain
// began. It can keep growing after Run returns when loops were abandoned.
func (o *Orchestrator) Dropped() uint64 {
	if o.buf == nil {
		return 0
	}
	return o.buf.Rejected()
}

func (o *Orchestrator) transition(to State) {
	from := o.sc.setState(to)
	o.logger.Info("Session state changed", "from", from.String(), "to", to.String())
}

func (o *Orchestrator) recordErr(err error) {
	if err == nil {
		return
	}
	o.errOnce.Do(func() { o.firstErr = err })
}

// running is everything opened during Starting.
type running struct {
	meta     *core.SessionMetadata
	pair     device.Pair
	cam      camera.Source
	buf      *queue.Queue[core.Record]
	sink     video.Sink
	pm       *persistence.Manager
	sampler  *capture.SensorSampler
	frames   *capture.FrameRecorder
	movement *capture.MovementController
	mon      *monitor.Service
}

// Run executes the session and returns its final metadata. It blocks until
// ctx is cancelled, MaxDuration elapses or a loop fails fatally.
func (o *Orchestrator) Run(ctx context.Context) (*core.SessionMetadata, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	o.transition(StateStarting)
	r, err := o.start(ctx)
	if err != nil {
		o.transition(StateStopped)
		return nil, err
	}

	o.buf = r.buf

	o.transition(StateRunning)
	o.logger.Info("Session running",
		"id", r.meta.ID, "runDirectory", r.meta.RunDirectory,
		"sensorHz", o.cfg.SensorHz, "videoFps", o.cfg.VideoFps, "movement", r.meta.MovementMode)

	forced := o.supervise(ctx, r)

	o.transition(StateStopping)
	return o.stop(r, forced)
}

// start allocates the run directory and opens every collaborator.
func (o *Orchestrator) start(ctx context.Context) (*running, error) {
	startedAt := o.clock.Now()
	runDir := filepath.Join(o.cfg.OutputDir, rundir.DirName(startedAt))

	meta := &core.SessionMetadata{
		ID:           uuid.NewString(),
		RunDirectory: runDir,
		StartedAt:    startedAt,
		TargetFrequencies: core.Frequencies{
			Sensor: o.cfg.SensorHz,
			Video:  o.cfg.VideoFps,
		},
		MovementMode:    o.movementMode(),
		Transport:       o.cfg.Transport,
		Device:          o.cfg.Device,
		Camera:          o.cfg.Camera,
		RecorderVersion: o.cfg.Version,
	}
	if o.cfg.MovementEnabled {
		meta.TargetFrequencies.Movement = o.cfg.Movement.Hz
	}
	o.sc.SetMetadata(*meta)

	r := &running{meta: meta, buf: queue.NewWithCapacity[core.Record](256)}
	var cleanup []func()
	started := false
	defer func() {
		if started {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var err error

	if err = os.MkdirAll(o.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	r.pair, err = o.deps.OpenDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceInit, err)
	}
	pair := r.pair
	cleanup = append(cleanup, func() { _ = pair.Close() })

	wakeCtx, cancel := context.WithTimeout(ctx, shutdownCallTimeout)
	err = r.pair.Wake(wakeCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: wake: %w", ErrDeviceInit, err)
	}

	r.cam, err = o.deps.OpenCamera(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCameraInit, err)
	}
	cam := r.cam
	cleanup = append(cleanup, func() { _ = cam.Close() })

	if err = os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create run directory: %w", persistence.ErrSinkWrite, err)
	}
	r.sink, err = o.deps.OpenVideo(runDir)
	if err != nil {
		return nil, fmt.Errorf("%w: video: %w", persistence.ErrSinkWrite, err)
	}
	meta.VideoFile = filepath.Base(r.sink.Path())
	o.sc.SetMetadata(*meta)

	r.pm = persistence.New(r.buf, rundir.New(runDir, o.logger), r.sink, o.cfg.Storage,
		persistence.WithClock(o.clock), persistence.WithLogger(o.logger))
	if o.deps.Mirrors != nil {
		for _, m := range o.deps.Mirrors(runDir) {
			r.pm.AddMirror(m)
		}
	}
	if err = r.pm.Start(meta); err != nil {
		_ = r.sink.Close()
		return nil, err
	}
	pm := r.pm
	cleanup = append(cleanup, func() { _ = pm.Close(nil) })

	if err = o.buildLoops(r, startedAt); err != nil {
		return nil, err
	}

	var battery device.BatteryReader
	if br, ok := r.pair.Battery(); ok {
		battery = br
	}
	r.mon = monitor.NewService(monitor.Dependencies{
		Logger:          o.logger,
		Clock:           o.clock,
		OutputDir:       runDir,
		Interval:        o.cfg.StatusInterval,
		BatteryInterval: o.cfg.BatteryInterval,
		Battery:         battery,
		Snapshot:        func() core.Performance { return o.snapshot(r) },
		Sink:            r.pm,
	})
	started = true
	return r, nil
}

func (o *Orchestrator) movementMode() string {
	if !o.cfg.MovementEnabled {
		return "disabled"
	}
	return o.cfg.MovementMode
}

func (o *Orchestrator) buildLoops(r *running, startedAt time.Time) error {
	opts := []capture.Option{capture.WithClock(o.clock), capture.WithLogger(o.logger)}
	if o.cfg.MovementEnabled && o.cfg.MovementMode == ModeAlternating {
		opts = append(opts, capture.WithTimeShare(&capture.TimeShare{
			Start:       startedAt,
			MoveTime:    o.cfg.MoveTime,
			CollectTime: o.cfg.CollectTime,
		}))
	}

	var err error
	r.sampler, err = capture.NewSensorSampler(r.pair.IMU, r.buf, o.cfg.SensorHz, o.cfg.SensorReadTimeout, opts...)
	if err != nil {
		return err
	}
	r.frames, err = capture.NewFrameRecorder(r.cam, r.sink, r.buf, o.cfg.VideoFps, startedAt, o.cfg.FrameReadTimeout,
		capture.WithClock(o.clock), capture.WithLogger(o.logger))
	if err != nil {
		return err
	}
	if o.cfg.MovementEnabled {
		r.movement, err = capture.NewMovementController(r.pair.Motion, o.cfg.Movement, opts...)
		if err != nil {
			return err
		}
	}
	return nil
}

// supervise runs every loop under one errgroup and returns once they have
// all stopped, or after JoinTimeout once stopping began. It reports whether
// the join was abandoned.
func (o *Orchestrator) supervise(ctx context.Context, r *running) (forced bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	spawn := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err != nil {
				o.recordErr(err)
				o.logger.Error("Loop stopped with error", "loop", name, "error", err)
			}
			return err
		})
	}

	spawn("sensor", r.sampler.Run)
	spawn("frames", r.frames.Run)
	if r.movement != nil {
		spawn("movement", r.movement.Run)
	}
	spawn("persistence", r.pm.Run)
	spawn("monitor", r.mon.Run)

	if o.cfg.MaxDuration > 0 {
		timer := o.clock.NewTimer(o.cfg.MaxDuration)
		g.Go(func() error {
			defer timer.Stop()
			select {
			case <-gctx.Done():
			case <-timer.C():
				o.durationElapsed.Store(true)
				o.logger.Info("Maximum duration reached", "duration", o.cfg.MaxDuration)
				cancel()
			}
			return nil
		})
	}

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()

	select {
	case <-joined:
		return false
	case <-gctx.Done():
	}

	join := time.NewTimer(o.cfg.JoinTimeout)
	defer join.Stop()
	select {
	case <-joined:
		return false
	case <-join.C:
		o.logger.Warn("Loops did not stop in time, abandoning join", "timeout", o.cfg.JoinTimeout)
		return true
	}
}

func (o *Orchestrator) terminationReason() string {
	switch err := o.firstErr; {
	case err == nil && o.durationElapsed.Load():
		return core.TerminationDurationElapsed
	case err == nil:
		return core.TerminationInterrupted
	case errors.Is(err, device.ErrDisconnected):
		return core.TerminationDeviceDisconnected
	case errors.Is(err, capture.ErrFrameRead), errors.Is(err, camera.ErrClosed):
		return core.TerminationCameraFailed
	default:
		return core.TerminationError
	}
}

// stop parks the robot, runs the final flush, writes the metadata and
// releases every collaborator.
func (o *Orchestrator) stop(r *running, forced bool) (*core.SessionMetadata, error) {
	reason := o.terminationReason()
	meta := r.meta

	if reason != core.TerminationDeviceDisconnected {
		var heading int
		if r.movement != nil && !forced {
			heading = r.movement.Current().Heading
		}
		callCtx, cancel := context.WithTimeout(context.Background(), shutdownCallTimeout)
		if err := r.pair.Motion.SendMotion(callCtx, core.StopCommand(heading, o.clock.Now())); err != nil {
			o.logger.Warn("Failed to send stop command", "error", err)
		}
		cancel()
	}
	sleepCtx, cancel := context.WithTimeout(context.Background(), shutdownCallTimeout)
	if err := r.pair.Sleep(sleepCtx); err != nil {
		o.logger.Warn("Failed to put device to sleep", "error", err)
	}
	cancel()

	endedAt := o.clock.Now()
	meta.EndedAt = endedAt
	meta.DurationSeconds = endedAt.Sub(meta.StartedAt).Seconds()
	meta.TerminationReason = reason
	meta.Failures = core.Failures{
		SensorReads: r.sampler.Failures(),
		FrameReads:  r.frames.ReadFailures(),
		SinkWrites:  r.frames.SinkFailures(),
	}
	if r.movement != nil {
		meta.Counts.Commands = r.movement.Commands()
		meta.Failures.Commands = r.movement.Failures()
	}

	// Abandoned loops may still produce; whatever they push from here on is
	// rejected and counted instead of silently missing the final drain.
	r.buf.Close()
	meta.Failures.Dropped = r.buf.Rejected()

	closeErr := r.pm.Close(meta)
	if closeErr != nil {
		o.logger.Error("Final persistence failed", "error", closeErr)
	}
	if forced {
		o.logger.Warn("Loops abandoned after join timeout, later records are rejected",
			"dropped", r.buf.Rejected(), "unflushed", r.buf.Len())
	}
	o.sc.SetMetadata(*meta)

	var errs []error
	if err := r.cam.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close camera: %w", err))
	}
	if err := r.pair.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	if len(errs) > 0 {
		o.logger.Warn("Error releasing collaborators", "error", errors.Join(errs...))
	}

	o.transition(StateStopped)
	o.logger.Info("Session stopped",
		"reason", reason,
		"forcedJoin", forced,
		"duration", fmt.Sprintf("%.2fs", meta.DurationSeconds),
		"samples", meta.Counts.Samples,
		"frames", meta.Counts.Frames,
		"commands", meta.Counts.Commands,
		"failures", meta.Failures.Total(),
	)

	return meta, errors.Join(o.firstErr, closeErr)
}

func (o *Orchestrator) snapshot(r *running) core.Performance {
	now := o.clock.Now()
	p := core.Performance{
		SessionID: r.meta.ID,
		Time:      now,
		State:     o.State().String(),
		Counts: core.Counts{
			Samples: r.sampler.Samples(),
			Frames:  r.frames.Frames(),
		},
		Failures: core.Failures{
			SensorReads: r.sampler.Failures(),
			FrameReads:  r.frames.ReadFailures(),
			SinkWrites:  r.frames.SinkFailures() + r.pm.Failures(),
		},
		BufferLength:   r.buf.Len(),
		PendingRecords: r.pm.Pending(),
		LastFlushMs:    float64(r.pm.LastFlush().Microseconds()) / 1000,
		ElapsedSeconds: now.Sub(r.meta.StartedAt).Seconds(),
		BytesPersisted: r.pm.BytesPersisted(),
		MirrorDropped:  r.pm.MirrorDropped(),
	}
	if r.movement != nil {
		p.Counts.Commands = r.movement.Commands()
		p.Failures.Commands = r.movement.Failures()
	}
	return p
}
