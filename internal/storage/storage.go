// internal/storage/storage.go
package storage

import "github.com/rollcap/recorder/pkg/core"

// Backend is the interface all storage implementations must satisfy.
// Record calls receive batches in capture order and must not retain the slices.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management
	StartSession(meta *core.SessionMetadata) error
	EndSession(meta *core.SessionMetadata) error

	// Stream recording
	RecordImuSamples(samples []core.ImuSample) error
	RecordFrameStamps(frames []core.FrameStamp) error
}

// Snapshotter is implemented by backends that can write a full point-in-time
// copy of everything recorded so far.
type Snapshotter interface {
	Snapshot() error
}

// PerformanceRecorder is an optional interface for backends that store
// periodic throughput snapshots.
type PerformanceRecorder interface {
	RecordPerformance(p core.Performance) error
}

// Lossy is implemented by mirrors that shed batches instead of blocking the
// drain. Dropped is cumulative.
type Lossy interface {
	Dropped() uint64
}

// Exporter is an optional interface for backends that produce a single
// export file when the session ends.
type Exporter interface {
	ExportedFilePath() string
}
