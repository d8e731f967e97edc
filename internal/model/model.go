package model

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&ImuSample{},
	&FrameStamp{},
	&Performance{},
}

// Counts mirrors core.Counts as embedded columns
type Counts struct {
	Samples  uint64 `json:"samples"`
	Frames   uint64 `json:"frames"`
	Commands uint64 `json:"commands"`
}

// Failures mirrors core.Failures as embedded columns
type Failures struct {
	Commands    uint64 `json:"commands"`
	SensorReads uint64 `json:"sensorReads"`
	FrameReads  uint64 `json:"frameReads"`
	SinkWrites  uint64 `json:"sinkWrites"`
	Dropped     uint64 `json:"dropped"`
}

// Session is one recording run
type Session struct {
	ID                uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	CreatedAt         time.Time      `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt         time.Time      `json:"updatedAt" gorm:"autoUpdateTime"`
	SessionUUID       string         `json:"sessionUuid" gorm:"size:36;uniqueIndex"`
	RunDirectory      string         `json:"runDirectory" gorm:"size:512"`
	StartedAt         time.Time      `json:"startedAt"`
	EndedAt           sql.NullTime   `json:"endedAt"`
	DurationSeconds   float64        `json:"durationSeconds"`
	TargetFrequencies datatypes.JSON `json:"targetFrequencies"`
	Counts            Counts         `json:"counts" gorm:"embedded;embeddedPrefix:count_"`
	Failures          Failures       `json:"failures" gorm:"embedded;embeddedPrefix:failure_"`
	TerminationReason string         `json:"terminationReason" gorm:"size:64"`
	MovementMode      string         `json:"movementMode" gorm:"size:32"`
	Transport         string         `json:"transport" gorm:"size:32"`
	Device            string         `json:"device" gorm:"size:128"`
	Camera            string         `json:"camera" gorm:"size:128"`
	VideoFile         string         `json:"videoFile" gorm:"size:512"`
	RecorderVersion   string         `json:"recorderVersion" gorm:"size:64"`
}

func (*Session) TableName() string {
	return "sessions"
}

// ImuSample is one inertial reading. Seconds is the offset from session start.
type ImuSample struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time `json:"time" gorm:"index:idx_imu_time;"`
	SessionID uint      `json:"sessionId" gorm:"index:idx_imu_session_id"`
	Session   Session   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Seconds   float64   `json:"seconds"`
	AccelX    float64   `json:"accelX"`
	AccelY    float64   `json:"accelY"`
	AccelZ    float64   `json:"accelZ"`
	GyroX     float64   `json:"gyroX"`
	GyroY     float64   `json:"gyroY"`
	GyroZ     float64   `json:"gyroZ"`
}

func (*ImuSample) TableName() string {
	return "imu_samples"
}

// FrameStamp is the timestamp of one video frame
type FrameStamp struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time `json:"time" gorm:"index:idx_frame_time;"`
	SessionID uint      `json:"sessionId" gorm:"index:idx_frame_session_id"`
	Session   Session   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Seq       uint64    `json:"seq"`
	Seconds   float64   `json:"seconds"`
}

func (*FrameStamp) TableName() string {
	return "frame_stamps"
}

// Performance is the model for recorder throughput snapshots
type Performance struct {
	ID             uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time           time.Time `json:"time" gorm:"index:idx_perf_time"`
	SessionID      uint      `json:"sessionId" gorm:"index:idx_performance_session_id"`
	Session        Session   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	State          string    `json:"state" gorm:"size:16"`
	Counts         Counts    `json:"counts" gorm:"embedded;embeddedPrefix:count_"`
	Failures       Failures  `json:"failures" gorm:"embedded;embeddedPrefix:failure_"`
	BufferLength   int       `json:"bufferLength"`
	PendingRecords int       `json:"pendingRecords"`
	LastFlushMs    float64   `json:"lastFlushMs"`
	SampleRateHz   float64   `json:"sampleRateHz"`
	FrameRateHz    float64   `json:"frameRateHz"`
	BatteryVoltage float64   `json:"batteryVoltage"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
}

func (*Performance) TableName() string {
	return "performances"
}
