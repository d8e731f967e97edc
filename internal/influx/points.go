package influx

import (
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rollcap/recorder/pkg/core"
)

// Measurement names.
const (
	MeasurementImu         = "imu"
	MeasurementFrame       = "frame"
	MeasurementPerformance = "recorder"
)

// SamplePoint builds the imu point for one sample.
func SamplePoint(sessionID string, s core.ImuSample) *influxdb2_write.Point {
	return influxdb2_write.NewPoint(
		MeasurementImu,
		map[string]string{"session": sessionID},
		map[string]interface{}{
			"accel_x": s.AccelX,
			"accel_y": s.AccelY,
			"accel_z": s.AccelZ,
			"gyro_x":  s.GyroX,
			"gyro_y":  s.GyroY,
			"gyro_z":  s.GyroZ,
		},
		s.CapturedAt,
	)
}

// FramePoint builds the frame point for one frame stamp.
func FramePoint(sessionID string, f core.FrameStamp) *influxdb2_write.Point {
	return influxdb2_write.NewPoint(
		MeasurementFrame,
		map[string]string{"session": sessionID},
		map[string]interface{}{"seq": int64(f.Seq)},
		f.CapturedAt,
	)
}

// PerformancePoint builds the throughput point written by the monitor.
func PerformancePoint(p core.Performance) *influxdb2_write.Point {
	point := influxdb2_write.NewPointWithMeasurement(MeasurementPerformance).
		AddTag("session", p.SessionID).
		AddTag("state", p.State).
		AddField("samples", int64(p.Counts.Samples)).
		AddField("frames", int64(p.Counts.Frames)).
		AddField("commands", int64(p.Counts.Commands)).
		AddField("failures", int64(p.Failures.Total())).
		AddField("buffer_length", p.BufferLength).
		AddField("pending_records", p.PendingRecords).
		AddField("last_flush_ms", p.LastFlushMs).
		AddField("sample_rate_hz", p.SampleRateHz).
		AddField("frame_rate_hz", p.FrameRateHz).
		AddField("elapsed_seconds", p.ElapsedSeconds).
		AddField("bytes_persisted", int64(p.BytesPersisted)).
		AddField("mirror_dropped", int64(p.MirrorDropped)).
		SetTime(p.Time)
	if p.BatteryVoltage > 0 {
		point.AddField("battery_voltage", p.BatteryVoltage)
	}
	return point
}
