// Package monitor reports session throughput while a session runs.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
)

// StatusFile is rewritten in the output directory on every status tick.
const StatusFile = "status.json"

// LowBatteryVolts is the voltage below which the battery check warns.
const LowBatteryVolts = 3.6

// PerfSink receives every status snapshot.
type PerfSink interface {
	RecordPerformance(p core.Performance)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Logger          *slog.Logger
	Clock           timeutil.Clock
	OutputDir       string
	Interval        time.Duration
	BatteryInterval time.Duration
	// Battery is optional; nil disables the battery check.
	Battery device.BatteryReader
	// Snapshot returns the current counters of the session.
	Snapshot func() core.Performance
	Sink     PerfSink
}

// Service manages status monitoring
type Service struct {
	deps Dependencies

	mu       sync.RWMutex
	last     core.Performance
	lastAt   time.Time
	volts    float64
	statuses uint64
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Second
	}
	deps.Logger = deps.Logger.With("component", "monitor")
	return &Service{deps: deps}
}

// StatusPath returns the path of the status file, or "" when disabled.
func (s *Service) StatusPath() string {
	if s.deps.OutputDir == "" {
		return ""
	}
	return filepath.Join(s.deps.OutputDir, StatusFile)
}

// Last returns the most recent status snapshot.
func (s *Service) Last() core.Performance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// BatteryVoltage returns the last voltage read, or 0 if none was read.
func (s *Service) BatteryVoltage() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volts
}

// Reports returns how many statuses were taken.
func (s *Service) Reports() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses
}

// Run reports every Interval and checks the battery every BatteryInterval
// until ctx is cancelled. A final status is written on the way out.
func (s *Service) Run(ctx context.Context) error {
	s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)

	status := s.deps.Clock.NewTicker(s.deps.Interval)
	defer status.Stop()

	var battery <-chan time.Time
	if s.deps.Battery != nil && s.deps.BatteryInterval > 0 {
		s.CheckBattery(ctx)
		t := s.deps.Clock.NewTicker(s.deps.BatteryInterval)
		defer t.Stop()
		battery = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			s.Report()
			return nil
		case <-status.C():
			s.Report()
		case <-battery:
			s.CheckBattery(ctx)
		}
	}
}

// Report takes one snapshot, logs it, rewrites the status file and hands it to the sink.
func (s *Service) Report() core.Performance {
	if s.deps.Snapshot == nil {
		return core.Performance{}
	}
	p := s.deps.Snapshot()
	now := s.deps.Clock.Now()
	if p.Time.IsZero() {
		p.Time = now
	}

	s.mu.Lock()
	if !s.lastAt.IsZero() {
		if dt := now.Sub(s.lastAt).Seconds(); dt > 0 {
			p.SampleRateHz = float64(p.Counts.Samples-min(s.last.Counts.Samples, p.Counts.Samples)) / dt
			p.FrameRateHz = float64(p.Counts.Frames-min(s.last.Counts.Frames, p.Counts.Frames)) / dt
		}
	}
	if p.BatteryVoltage == 0 {
		p.BatteryVoltage = s.volts
	}
	s.last = p
	s.lastAt = now
	s.statuses++
	s.mu.Unlock()

	s.deps.Logger.Info("Status",
		"state", p.State,
		"elapsed", fmt.Sprintf("%.1fs", p.ElapsedSeconds),
		"samples", p.Counts.Samples,
		"frames", p.Counts.Frames,
		"commands", p.Counts.Commands,
		"failures", p.Failures.Total(),
		"buffer", p.BufferLength,
		"pending", p.PendingRecords,
		"lastFlushMs", p.LastFlushMs,
		"sampleHz", fmt.Sprintf("%.1f", p.SampleRateHz),
		"frameHz", fmt.Sprintf("%.1f", p.FrameRateHz),
		"persisted", humanize.Bytes(p.BytesPersisted),
	)
	if p.MirrorDropped > 0 {
		s.deps.Logger.Warn("Mirrors are shedding batches", "dropped", p.MirrorDropped)
	}

	if path := s.StatusPath(); path != "" {
		if err := writeStatus(path, p); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err)
		}
	}
	if s.deps.Sink != nil {
		s.deps.Sink.RecordPerformance(p)
	}
	return p
}

// CheckBattery reads the battery voltage once.
func (s *Service) CheckBattery(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	v, err := s.deps.Battery.BatteryVoltage(callCtx)
	if err != nil {
		if ctx.Err() == nil {
			s.deps.Logger.Warn("Battery check failed", "error", err)
		}
		return
	}
	s.mu.Lock()
	s.volts = v
	s.mu.Unlock()

	if v < LowBatteryVolts {
		s.deps.Logger.Warn("Battery low", "volts", v)
		return
	}
	s.deps.Logger.Info("Battery", "volts", v)
}

func writeStatus(path string, p core.Performance) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
