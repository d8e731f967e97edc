// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rollcap/recorder/internal/model"
	"github.com/rollcap/recorder/pkg/core"
	"gorm.io/datatypes"
)

// secondsSince returns t relative to start, or 0 when start is unset.
func secondsSince(t, start time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	return t.Sub(start).Seconds()
}

func frequenciesToJSON(f core.Frequencies) datatypes.JSON {
	data, err := json.Marshal(f)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

// CoreToSession converts session metadata to a GORM model.Session.
func CoreToSession(m core.SessionMetadata) model.Session {
	s := model.Session{
		SessionUUID:       m.ID,
		RunDirectory:      m.RunDirectory,
		StartedAt:         m.StartedAt,
		DurationSeconds:   m.DurationSeconds,
		TargetFrequencies: frequenciesToJSON(m.TargetFrequencies),
		Counts:            model.Counts(m.Counts),
		Failures:          model.Failures(m.Failures),
		TerminationReason: m.TerminationReason,
		MovementMode:      m.MovementMode,
		Transport:         m.Transport,
		Device:            m.Device,
		Camera:            m.Camera,
		VideoFile:         m.VideoFile,
		RecorderVersion:   m.RecorderVersion,
	}
	if !m.EndedAt.IsZero() {
		s.EndedAt = sql.NullTime{Time: m.EndedAt, Valid: true}
	}
	return s
}

// SessionToCore converts a GORM Session back to session metadata.
func SessionToCore(s model.Session) core.SessionMetadata {
	m := core.SessionMetadata{
		ID:                s.SessionUUID,
		RunDirectory:      s.RunDirectory,
		StartedAt:         s.StartedAt,
		DurationSeconds:   s.DurationSeconds,
		Counts:            core.Counts(s.Counts),
		Failures:          core.Failures(s.Failures),
		TerminationReason: s.TerminationReason,
		MovementMode:      s.MovementMode,
		Transport:         s.Transport,
		Device:            s.Device,
		Camera:            s.Camera,
		VideoFile:         s.VideoFile,
		RecorderVersion:   s.RecorderVersion,
	}
	if s.EndedAt.Valid {
		m.EndedAt = s.EndedAt.Time
	}
	if len(s.TargetFrequencies) > 0 {
		_ = json.Unmarshal(s.TargetFrequencies, &m.TargetFrequencies)
	}
	return m
}

// CoreToImuSample converts a core.ImuSample to a GORM model.ImuSample.
func CoreToImuSample(s core.ImuSample, sessionStart time.Time) model.ImuSample {
	return model.ImuSample{
		Time:    s.CapturedAt,
		Seconds: secondsSince(s.CapturedAt, sessionStart),
		AccelX:  s.AccelX,
		AccelY:  s.AccelY,
		AccelZ:  s.AccelZ,
		GyroX:   s.GyroX,
		GyroY:   s.GyroY,
		GyroZ:   s.GyroZ,
	}
}

// ImuSampleToCore converts a GORM ImuSample to a core.ImuSample.
func ImuSampleToCore(s model.ImuSample) core.ImuSample {
	return core.ImuSample{
		AccelX:     s.AccelX,
		AccelY:     s.AccelY,
		AccelZ:     s.AccelZ,
		GyroX:      s.GyroX,
		GyroY:      s.GyroY,
		GyroZ:      s.GyroZ,
		CapturedAt: s.Time,
	}
}

// CoreToFrameStamp converts a core.FrameStamp to a GORM model.FrameStamp.
func CoreToFrameStamp(f core.FrameStamp, sessionStart time.Time) model.FrameStamp {
	return model.FrameStamp{
		Time:    f.CapturedAt,
		Seq:     f.Seq,
		Seconds: secondsSince(f.CapturedAt, sessionStart),
	}
}

// FrameStampToCore converts a GORM FrameStamp to a core.FrameStamp.
func FrameStampToCore(f model.FrameStamp) core.FrameStamp {
	return core.FrameStamp{Seq: f.Seq, CapturedAt: f.Time}
}

// CoreToPerformance converts a core.Performance to a GORM model.Performance.
func CoreToPerformance(p core.Performance) model.Performance {
	return model.Performance{
		Time:           p.Time,
		State:          p.State,
		Counts:         model.Counts(p.Counts),
		Failures:       model.Failures(p.Failures),
		BufferLength:   p.BufferLength,
		PendingRecords: p.PendingRecords,
		LastFlushMs:    p.LastFlushMs,
		SampleRateHz:   p.SampleRateHz,
		FrameRateHz:    p.FrameRateHz,
		BatteryVoltage: p.BatteryVoltage,
		ElapsedSeconds: p.ElapsedSeconds,
	}
}
