// Package gormstorage implements the storage.Backend interface on top of GORM
// with internal queues and a background DB writer goroutine.
package gormstorage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollcap/recorder/internal/database"
	"github.com/rollcap/recorder/internal/model"
	"github.com/rollcap/recorder/internal/model/convert"
	"github.com/rollcap/recorder/internal/queue"
	"github.com/rollcap/recorder/pkg/core"
	"github.com/rs/zerolog"

	"gorm.io/gorm"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	// DB is used as-is when set; otherwise Connect is called during Init.
	DB      *gorm.DB
	Connect func() (*gorm.DB, error)
	Logger  zerolog.Logger
	// WriteInterval is the pause between writer cycles. Defaults to 2s.
	WriteInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	ImuSamples  *queue.Queue[model.ImuSample]
	FrameStamps *queue.Queue[model.FrameStamp]
	Performance *queue.Queue[model.Performance]
}

func newQueues() *queues {
	return &queues{
		ImuSamples:  queue.New[model.ImuSample](),
		FrameStamps: queue.New[model.FrameStamp](),
		Performance: queue.New[model.Performance](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps      Dependencies
	queues    *queues
	sessionID atomic.Uint64
	stopChan  chan struct{}
	done      chan struct{}
	dbReady   bool

	writeMu sync.Mutex // one writer cycle at a time

	startMu sync.RWMutex
	start   time.Time

	lastWriteNanos atomic.Int64
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.WriteInterval <= 0 {
		deps.WriteInterval = 2 * time.Second
	}
	return &Backend{
		deps: deps,
	}
}

// DB returns the underlying connection (nil before Init or in queue-only mode).
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init creates internal queues, runs schema migration, and starts the DB writer goroutine.
// If no DB was injected via Dependencies, it connects with Dependencies.Connect.
func (b *Backend) Init() error {
	b.queues = newQueues()
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})

	if b.deps.DB == nil && b.deps.Connect != nil {
		db, err := b.deps.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		b.deps.DB = db
	}

	if b.deps.DB != nil {
		if err := database.Setup(b.deps.DB, b.deps.Logger); err != nil {
			return fmt.Errorf("failed to setup DB: %w", err)
		}
		b.dbReady = true
	}

	b.startDBWriters()
	return nil
}

// Close stops the DB writer goroutine and writes whatever is still queued.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	select {
	case <-b.stopChan:
		return nil
	default:
	}
	close(b.stopChan)
	<-b.done
	b.writeAll()
	return nil
}

// StartSession inserts the session row and remembers its ID for the writer.
func (b *Backend) StartSession(meta *core.SessionMetadata) error {
	b.startMu.Lock()
	b.start = meta.StartedAt
	b.startMu.Unlock()

	if b.deps.DB == nil {
		return nil
	}

	session := convert.CoreToSession(*meta)
	if err := b.deps.DB.Create(&session).Error; err != nil {
		return fmt.Errorf("failed to insert new session: %w", err)
	}
	b.sessionID.Store(uint64(session.ID))
	b.deps.Logger.Info().Uint("sessionId", session.ID).Str("uuid", meta.ID).Msg("Session row created")
	return nil
}

// SetSessionID sets the current session ID for the DB writer.
func (b *Backend) SetSessionID(id uint) {
	b.sessionID.Store(uint64(id))
}

// EndSession flushes the queues and updates the session row with final counts.
func (b *Backend) EndSession(meta *core.SessionMetadata) error {
	if b.deps.DB == nil {
		return nil
	}
	b.writeAll()

	id := uint(b.sessionID.Load())
	if id == 0 {
		return fmt.Errorf("session was never started")
	}
	final := convert.CoreToSession(*meta)
	err := b.deps.DB.Model(&model.Session{}).Where("id = ?", id).Updates(map[string]any{
		"ended_at":             final.EndedAt,
		"duration_seconds":     final.DurationSeconds,
		"count_samples":        final.Counts.Samples,
		"count_frames":         final.Counts.Frames,
		"count_commands":       final.Counts.Commands,
		"failure_commands":     final.Failures.Commands,
		"failure_sensor_reads": final.Failures.SensorReads,
		"failure_frame_reads":  final.Failures.FrameReads,
		"failure_sink_writes":  final.Failures.SinkWrites,
		"failure_dropped":      final.Failures.Dropped,
		"termination_reason":   final.TerminationReason,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (b *Backend) sessionStart() time.Time {
	b.startMu.RLock()
	defer b.startMu.RUnlock()
	return b.start
}

// RecordImuSamples converts and queues a batch of samples.
func (b *Backend) RecordImuSamples(samples []core.ImuSample) error {
	start := b.sessionStart()
	items := make([]model.ImuSample, len(samples))
	for i, s := range samples {
		items[i] = convert.CoreToImuSample(s, start)
	}
	b.queues.ImuSamples.Push(items...)
	return nil
}

// RecordFrameStamps converts and queues a batch of frame stamps.
func (b *Backend) RecordFrameStamps(frames []core.FrameStamp) error {
	start := b.sessionStart()
	items := make([]model.FrameStamp, len(frames))
	for i, f := range frames {
		items[i] = convert.CoreToFrameStamp(f, start)
	}
	b.queues.FrameStamps.Push(items...)
	return nil
}

// RecordPerformance converts and queues a performance snapshot.
func (b *Backend) RecordPerformance(p core.Performance) error {
	b.queues.Performance.Push(convert.CoreToPerformance(p))
	return nil
}

// Pending returns the number of rows waiting to be written.
func (b *Backend) Pending() int {
	if b.queues == nil {
		return 0
	}
	return b.queues.ImuSamples.Len() + b.queues.FrameStamps.Len() + b.queues.Performance.Len()
}

// LastWriteDuration returns how long the last writer cycle took.
func (b *Backend) LastWriteDuration() time.Duration {
	return time.Duration(b.lastWriteNanos.Load())
}

// writeQueue writes all items from a queue to the database in a transaction.
// On failure the items go back to the queue for the next cycle.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log zerolog.Logger, prepare func([]T)) {
	if q.Empty() {
		return
	}

	tx := db.Begin()
	items := q.GetAndEmpty()
	if prepare != nil {
		prepare(items)
	}
	if err := tx.Create(&items).Error; err != nil {
		log.Error().Err(err).Str("table", name).Int("rows", len(items)).Msg("Error writing rows")
		tx.Rollback()
		q.Push(items...)
		return
	}

	if err := tx.Commit().Error; err != nil {
		log.Error().Err(err).Str("table", name).Msg("Error committing rows")
		q.Push(items...)
	}
}

// writeAll runs one writer cycle over every queue.
func (b *Backend) writeAll() {
	if !b.dbReady {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	started := time.Now()

	// Read sessionID once per write cycle
	sessionID := uint(b.sessionID.Load())
	if sessionID == 0 {
		return
	}

	stampSamples := func(items []model.ImuSample) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	}
	stampFrames := func(items []model.FrameStamp) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	}
	stampPerformance := func(items []model.Performance) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	}

	writeQueue(b.deps.DB, b.queues.ImuSamples, "imu samples", b.deps.Logger, stampSamples)
	writeQueue(b.deps.DB, b.queues.FrameStamps, "frame stamps", b.deps.Logger, stampFrames)
	writeQueue(b.deps.DB, b.queues.Performance, "performance", b.deps.Logger, stampPerformance)

	b.lastWriteNanos.Store(int64(time.Since(started)))
}

// startDBWriters starts the background goroutine that periodically drains queues into the DB.
func (b *Backend) startDBWriters() {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.deps.WriteInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.stopChan:
				return
			case <-ticker.C:
				b.writeAll()
			}
		}
	}()
}
