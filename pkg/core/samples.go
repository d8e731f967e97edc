// pkg/core/samples.go
package core

import "time"

// ImuSample is a single inertial reading taken from the robot.
type ImuSample struct {
	AccelX     float64   `json:"accelX"`
	AccelY     float64   `json:"accelY"`
	AccelZ     float64   `json:"accelZ"`
	GyroX      float64   `json:"gyroX"`
	GyroY      float64   `json:"gyroY"`
	GyroZ      float64   `json:"gyroZ"`
	CapturedAt time.Time `json:"capturedAt"`
}

// FrameStamp is the timestamp log entry for one video frame.
// The pixels themselves go straight to the video sink.
type FrameStamp struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RecordKind tags the payload carried by a Record.
type RecordKind uint8

const (
	KindSample RecordKind = iota + 1
	KindFrame
)

func (k RecordKind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Record is the unit appended to the synchronization buffer.
type Record struct {
	Kind   RecordKind
	Sample ImuSample
	Frame  FrameStamp
}

// SampleRecord wraps an ImuSample.
func SampleRecord(s ImuSample) Record {
	return Record{Kind: KindSample, Sample: s}
}

// FrameRecord wraps a FrameStamp.
func FrameRecord(f FrameStamp) Record {
	return Record{Kind: KindFrame, Frame: f}
}

// CapturedAt returns the timestamp of whichever payload the record carries.
func (r Record) CapturedAt() time.Time {
	if r.Kind == KindFrame {
		return r.Frame.CapturedAt
	}
	return r.Sample.CapturedAt
}

// SplitRecords separates a drained batch into samples and frame stamps,
// keeping the relative order within each kind.
func SplitRecords(records []Record) (samples []ImuSample, frames []FrameStamp) {
	for _, r := range records {
		switch r.Kind {
		case KindSample:
			samples = append(samples, r.Sample)
		case KindFrame:
			frames = append(frames, r.Frame)
		}
	}
	return samples, frames
}
