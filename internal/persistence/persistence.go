// Package persistence drains the synchronization buffer into durable storage
// on its own timer and finalizes every sink when the session ends.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rollcap/recorder/internal/queue"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/internal/video"
	"github.com/rollcap/recorder/pkg/core"
)

// ErrSinkWrite wraps any failed write to a durable sink.
var ErrSinkWrite = errors.New("sink write failed")

// ErrClosed is returned by Flush and Backup after Close.
var ErrClosed = errors.New("persistence manager closed")

// Config holds the flush and backup cadence.
type Config struct {
	FlushInterval      time.Duration
	BackupInterval     time.Duration
	FinalFlushAttempts int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.BackupInterval <= 0 {
		c.BackupInterval = 30 * time.Second
	}
	if c.FinalFlushAttempts <= 0 {
		c.FinalFlushAttempts = 3
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving the flush and backup timers.
func WithClock(c timeutil.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager owns the primary backend, the mirrors and the video sink.
type Manager struct {
	buf     *queue.Queue[core.Record]
	primary storage.Backend
	mirrors []storage.Backend
	video   video.Sink
	cfg     Config
	clock   timeutil.Clock
	logger  *slog.Logger

	mu             sync.Mutex // serializes Flush, Backup and Close
	pendingSamples []core.ImuSample
	pendingFrames  []core.FrameStamp
	closed         bool

	samples        atomic.Uint64
	frames         atomic.Uint64
	sinkFailures   atomic.Uint64
	mirrorFailures atomic.Uint64
	lastFlushNanos atomic.Int64
	backups        atomic.Uint64
}

// New creates a manager draining buf into primary. sink may be nil when
// frames are not recorded.
func New(buf *queue.Queue[core.Record], primary storage.Backend, sink video.Sink, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		buf:     buf,
		primary: primary,
		video:   sink,
		cfg:     cfg.withDefaults(),
		clock:   timeutil.RealClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "persistence")
	return m
}

// AddMirror registers a best-effort secondary backend. Must be called before Start.
func (m *Manager) AddMirror(b storage.Backend) {
	m.mirrors = append(m.mirrors, b)
}

// Mirrors returns the registered mirrors that survived Start.
func (m *Manager) Mirrors() []storage.Backend {
	return m.mirrors
}

// Start initializes every backend and opens the session on it. A primary
// failure is returned; a failing mirror is dropped with a warning.
func (m *Manager) Start(meta *core.SessionMetadata) error {
	if err := m.primary.Init(); err != nil {
		return fmt.Errorf("%w: init primary: %w", ErrSinkWrite, err)
	}
	if err := m.primary.StartSession(meta); err != nil {
		return fmt.Errorf("%w: start session: %w", ErrSinkWrite, err)
	}

	live := m.mirrors[:0]
	for _, mirror := range m.mirrors {
		if err := mirror.Init(); err != nil {
			m.logger.Warn("Mirror unavailable, continuing without it", "mirror", fmt.Sprintf("%T", mirror), "error", err)
			_ = mirror.Close()
			continue
		}
		if err := mirror.StartSession(meta); err != nil {
			m.logger.Warn("Mirror rejected session start", "mirror", fmt.Sprintf("%T", mirror), "error", err)
			m.mirrorFailures.Add(1)
		}
		live = append(live, mirror)
	}
	m.mirrors = live
	return nil
}

// Run flushes every FlushInterval and backs up every BackupInterval until ctx
// is cancelled. Cycle errors are logged and counted, never returned.
func (m *Manager) Run(ctx context.Context) error {
	flush := m.clock.NewTicker(m.cfg.FlushInterval)
	defer flush.Stop()
	backup := m.clock.NewTicker(m.cfg.BackupInterval)
	defer backup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flush.C():
			if err := m.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Warn("Flush failed, keeping rows for next cycle", "error", err, "pending", m.Pending())
			}
		case <-backup.C():
			if err := m.Backup(); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Warn("Backup failed", "error", err)
			}
		}
	}
}

// Flush drains the buffer and writes every pending row to the primary backend.
// Rows the primary rejects stay pending for the next call.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	start := m.clock.Now()
	samples, frames := core.SplitRecords(m.buf.GetAndEmpty())
	m.mirror(samples, frames)

	m.pendingSamples = append(m.pendingSamples, samples...)
	m.pendingFrames = append(m.pendingFrames, frames...)

	var errs []error
	if n := len(m.pendingSamples); n > 0 {
		if err := m.primary.RecordImuSamples(m.pendingSamples); err != nil {
			m.sinkFailures.Add(1)
			errs = append(errs, fmt.Errorf("%w: %d samples: %w", ErrSinkWrite, n, err))
		} else {
			m.samples.Add(uint64(n))
			m.pendingSamples = nil
		}
	}
	if n := len(m.pendingFrames); n > 0 {
		if err := m.primary.RecordFrameStamps(m.pendingFrames); err != nil {
			m.sinkFailures.Add(1)
			errs = append(errs, fmt.Errorf("%w: %d frame stamps: %w", ErrSinkWrite, n, err))
		} else {
			m.frames.Add(uint64(n))
			m.pendingFrames = nil
		}
	}

	m.lastFlushNanos.Store(int64(m.clock.Since(start)))
	if len(samples)+len(frames) > 0 {
		m.logger.Debug("Flushed", "samples", len(samples), "frames", len(frames),
			"duration", m.LastFlush(), "persisted", humanize.Bytes(m.BytesPersisted()))
	}
	return errors.Join(errs...)
}

// mirror hands a freshly drained batch to every mirror once.
func (m *Manager) mirror(samples []core.ImuSample, frames []core.FrameStamp) {
	for _, mirror := range m.mirrors {
		if len(samples) > 0 {
			if err := mirror.RecordImuSamples(samples); err != nil {
				m.mirrorFailures.Add(1)
				m.logger.Debug("Mirror write failed", "mirror", fmt.Sprintf("%T", mirror), "error", err)
			}
		}
		if len(frames) > 0 {
			if err := mirror.RecordFrameStamps(frames); err != nil {
				m.mirrorFailures.Add(1)
				m.logger.Debug("Mirror write failed", "mirror", fmt.Sprintf("%T", mirror), "error", err)
			}
		}
	}
}

// Backup flushes and then asks the primary for a full snapshot.
func (m *Manager) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.backupLocked()
}

func (m *Manager) backupLocked() error {
	flushErr := m.flushLocked()
	snap, ok := m.primary.(storage.Snapshotter)
	if !ok {
		return flushErr
	}
	if err := snap.Snapshot(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("%w: snapshot: %w", ErrSinkWrite, err))
	}
	m.backups.Add(1)
	return flushErr
}

// RecordPerformance forwards a throughput snapshot to every backend that stores them.
func (m *Manager) RecordPerformance(p core.Performance) {
	for _, b := range append([]storage.Backend{m.primary}, m.mirrors...) {
		pr, ok := b.(storage.PerformanceRecorder)
		if !ok {
			continue
		}
		if err := pr.RecordPerformance(p); err != nil {
			m.logger.Debug("Performance write failed", "backend", fmt.Sprintf("%T", b), "error", err)
		}
	}
}

// Close runs the final flush (retrying pending rows), the final backup,
// finalizes the video sink and ends the session on every backend. meta
// receives the persisted counts and sink failures.
func (m *Manager) Close(meta *core.SessionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	var errs []error
	var flushErr error
	for attempt := 1; attempt <= m.cfg.FinalFlushAttempts; attempt++ {
		if flushErr = m.flushLocked(); flushErr == nil {
			break
		}
		m.logger.Warn("Final flush failed", "attempt", attempt, "error", flushErr)
	}
	if flushErr != nil {
		m.logger.Error("Rows lost after final flush attempts",
			"samples", len(m.pendingSamples), "frames", len(m.pendingFrames))
		errs = append(errs, flushErr)
	}

	if err := m.backupLocked(); err != nil {
		errs = append(errs, err)
	}

	if m.video != nil {
		if err := m.video.Close(); err != nil {
			m.sinkFailures.Add(1)
			errs = append(errs, fmt.Errorf("%w: finalize video: %w", ErrSinkWrite, err))
		}
	}

	if meta != nil {
		meta.Counts.Samples = m.samples.Load()
		meta.Counts.Frames = m.frames.Load()
		meta.Failures.SinkWrites += m.sinkFailures.Load()
		if err := m.primary.EndSession(meta); err != nil {
			errs = append(errs, fmt.Errorf("%w: end session: %w", ErrSinkWrite, err))
		}
		for _, mirror := range m.mirrors {
			if err := mirror.EndSession(meta); err != nil {
				m.mirrorFailures.Add(1)
				m.logger.Warn("Mirror failed to end session", "mirror", fmt.Sprintf("%T", mirror), "error", err)
			}
		}
	}

	for _, mirror := range m.mirrors {
		if err := mirror.Close(); err != nil {
			m.logger.Warn("Mirror failed to close", "mirror", fmt.Sprintf("%T", mirror), "error", err)
		}
	}
	if err := m.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close primary: %w", ErrSinkWrite, err))
	}

	m.logger.Info("Persistence closed",
		"samples", m.samples.Load(), "frames", m.frames.Load(),
		"backups", m.backups.Load(), "persisted", humanize.Bytes(m.BytesPersisted()))
	return errors.Join(errs...)
}

// Counts returns the rows persisted to the primary backend.
func (m *Manager) Counts() core.Counts {
	return core.Counts{Samples: m.samples.Load(), Frames: m.frames.Load()}
}

// Failures returns the number of failed primary and video sink writes.
func (m *Manager) Failures() uint64 { return m.sinkFailures.Load() }

// MirrorFailures returns the number of failed mirror writes.
func (m *Manager) MirrorFailures() uint64 { return m.mirrorFailures.Load() }

// MirrorDropped returns the batches shed so far by lossy mirrors.
func (m *Manager) MirrorDropped() uint64 {
	var total uint64
	for _, mirror := range m.mirrors {
		if l, ok := mirror.(storage.Lossy); ok {
			total += l.Dropped()
		}
	}
	return total
}

// Backups returns the number of completed snapshots.
func (m *Manager) Backups() uint64 { return m.backups.Load() }

// Pending returns the rows waiting for the primary backend.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingSamples) + len(m.pendingFrames)
}

// LastFlush returns the duration of the most recent flush.
func (m *Manager) LastFlush() time.Duration {
	return time.Duration(m.lastFlushNanos.Load())
}

// BytesPersisted returns the bytes committed by the primary, when it reports them.
func (m *Manager) BytesPersisted() uint64 {
	if b, ok := m.primary.(interface{ Bytes() uint64 }); ok {
		return b.Bytes()
	}
	return 0
}
