// pkg/core/session.go
package core

import "time"

// Termination reasons recorded in SessionMetadata.
const (
	TerminationInterrupted        = "interrupted"
	TerminationDurationElapsed    = "duration_elapsed"
	TerminationDeviceDisconnected = "device_disconnected"
	TerminationCameraFailed       = "camera_failed"
	TerminationError              = "error"
)

// Frequencies are the configured target rates of each loop, in Hz.
type Frequencies struct {
	Sensor   float64 `json:"sensor"`
	Video    float64 `json:"video"`
	Movement float64 `json:"movement"`
}

// Counts are the totals persisted during a session.
type Counts struct {
	Samples  uint64 `json:"samples"`
	Frames   uint64 `json:"frames"`
	Commands uint64 `json:"commands"`
}

// Failures are per-category failure counters.
type Failures struct {
	Commands    uint64 `json:"commands"`
	SensorReads uint64 `json:"sensorReads"`
	FrameReads  uint64 `json:"frameReads"`
	SinkWrites  uint64 `json:"sinkWrites"`
	Dropped     uint64 `json:"dropped"` // records produced after the final drain began
}

// Total sums all failure categories.
func (f Failures) Total() uint64 {
	return f.Commands + f.SensorReads + f.FrameReads + f.SinkWrites + f.Dropped
}

// SessionMetadata describes one recording session and is written once
// as metadata.json when the session ends.
type SessionMetadata struct {
	ID                string      `json:"id"`
	RunDirectory      string      `json:"runDirectory"`
	StartedAt         time.Time   `json:"startedAt"`
	EndedAt           time.Time   `json:"endedAt"`
	DurationSeconds   float64     `json:"durationSeconds"`
	TargetFrequencies Frequencies `json:"targetFrequencies"`
	Counts            Counts      `json:"counts"`
	Failures          Failures    `json:"failures"`
	TerminationReason string      `json:"terminationReason,omitempty"`
	MovementMode      string      `json:"movementMode"`
	Transport         string      `json:"transport"`
	Device            string      `json:"device"`
	Camera            string      `json:"camera"`
	VideoFile         string      `json:"videoFile"`
	RecorderVersion   string      `json:"recorderVersion"`
}

// Performance is a periodic throughput snapshot taken while a session runs.
type Performance struct {
	SessionID      string    `json:"sessionId"`
	Time           time.Time `json:"time"`
	State          string    `json:"state"`
	Counts         Counts    `json:"counts"`
	Failures       Failures  `json:"failures"`
	BufferLength   int       `json:"bufferLength"`
	PendingRecords int       `json:"pendingRecords"`
	LastFlushMs    float64   `json:"lastFlushMs"`
	SampleRateHz   float64   `json:"sampleRateHz"`
	FrameRateHz    float64   `json:"frameRateHz"`
	BatteryVoltage float64   `json:"batteryVoltage,omitempty"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	BytesPersisted uint64    `json:"bytesPersisted"`
	MirrorDropped  uint64    `json:"mirrorDropped,omitempty"`
}
