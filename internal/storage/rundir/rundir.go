// Package rundir is the primary storage backend: CSV logs and session
// metadata inside the run directory.
package rundir

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rollcap/recorder/pkg/core"
)

// Run directory artifacts.
const (
	SensorFile   = "sensor_data.csv"
	FrameFile    = "frame_timestamps.csv"
	BackupFile   = "backup_sensor_data.csv"
	MetadataFile = "metadata.json"
)

var (
	SensorHeader = []string{"timestamp", "accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z"}
	FrameHeader  = []string{"frame", "timestamp"}
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("run directory closed")

// DirName returns the run directory name for a session started at t.
func DirName(t time.Time) string {
	return "run_" + t.Format("20060102_150405")
}

// Backend writes sensor_data.csv and frame_timestamps.csv as batches arrive,
// snapshots the sensor log to backup_sensor_data.csv on request, and writes
// metadata.json when the session ends.
type Backend struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	start  time.Time
	sensor *csvLog
	frames *csvLog
	closed bool
}

// New creates a backend writing into dir. Init creates the directory.
func New(dir string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{dir: dir, logger: logger}
}

// Dir returns the run directory.
func (b *Backend) Dir() string { return b.dir }

// Init creates the run directory and both CSV logs with their headers.
func (b *Backend) Init() error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	sensor, err := createCSV(filepath.Join(b.dir, SensorFile), SensorHeader)
	if err != nil {
		return err
	}
	frames, err := createCSV(filepath.Join(b.dir, FrameFile), FrameHeader)
	if err != nil {
		sensor.close()
		return err
	}

	b.mu.Lock()
	b.sensor, b.frames = sensor, frames
	b.mu.Unlock()
	return nil
}

// StartSession records the session start used for relative timestamps.
func (b *Backend) StartSession(meta *core.SessionMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = meta.StartedAt
	return nil
}

func (b *Backend) seconds(t time.Time) string {
	if b.start.IsZero() {
		b.start = t
	}
	return strconv.FormatFloat(t.Sub(b.start).Seconds(), 'f', 6, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RecordImuSamples appends one row per sample.
func (b *Backend) RecordImuSamples(samples []core.ImuSample) error {
	if len(samples) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.sensor == nil {
		return ErrClosed
	}

	rows := make([][]string, len(samples))
	for i, s := range samples {
		rows[i] = []string{
			b.seconds(s.CapturedAt),
			formatFloat(s.AccelX), formatFloat(s.AccelY), formatFloat(s.AccelZ),
			formatFloat(s.GyroX), formatFloat(s.GyroY), formatFloat(s.GyroZ),
		}
	}
	return b.sensor.append(rows)
}

// RecordFrameStamps appends one row per frame.
func (b *Backend) RecordFrameStamps(frames []core.FrameStamp) error {
	if len(frames) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.frames == nil {
		return ErrClosed
	}

	rows := make([][]string, len(frames))
	for i, f := range frames {
		rows[i] = []string{strconv.FormatUint(f.Seq, 10), b.seconds(f.CapturedAt)}
	}
	return b.frames.append(rows)
}

// Snapshot rewrites backup_sensor_data.csv with every sensor row written so far.
func (b *Backend) Snapshot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sensor == nil {
		return ErrClosed
	}
	start := time.Now()
	if err := b.sensor.snapshot(filepath.Join(b.dir, BackupFile)); err != nil {
		return err
	}
	b.logger.Debug("Sensor backup written", "rows", b.sensor.rows, "duration", time.Since(start))
	return nil
}

// EndSession writes metadata.json.
func (b *Backend) EndSession(meta *core.SessionMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(b.dir, MetadataFile), append(data, '\n'))
}

// Close closes both CSV logs. Further writes fail with ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if b.sensor != nil {
		errs = append(errs, b.sensor.close())
	}
	if b.frames != nil {
		errs = append(errs, b.frames.close())
	}
	return errors.Join(errs...)
}

// Rows returns the number of data rows in each CSV log.
func (b *Backend) Rows() (samples, frames uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sensor != nil {
		samples = b.sensor.rows
	}
	if b.frames != nil {
		frames = b.frames.rows
	}
	return samples, frames
}

// Bytes returns the bytes committed to both CSV logs.
func (b *Backend) Bytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	if b.sensor != nil {
		n += b.sensor.size
	}
	if b.frames != nil {
		n += b.frames.size
	}
	return uint64(n)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
