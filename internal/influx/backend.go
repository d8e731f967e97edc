package influx

import (
	"context"
	"errors"
	"sync"

	"github.com/rollcap/recorder/pkg/core"
)

// Backend mirrors drained batches into the sensor_data bucket.
type Backend struct {
	m *Manager

	mu        sync.Mutex
	sessionID string
}

// NewBackend wraps a manager that has not been connected yet.
func NewBackend(m *Manager) *Backend {
	return &Backend{m: m}
}

// Manager returns the wrapped manager.
func (b *Backend) Manager() *Manager { return b.m }

// Init connects the manager.
func (b *Backend) Init() error {
	return b.m.Connect(context.Background())
}

// Close flushes and closes the manager.
func (b *Backend) Close() error {
	return b.m.Close()
}

func (b *Backend) StartSession(meta *core.SessionMetadata) error {
	b.mu.Lock()
	b.sessionID = meta.ID
	b.mu.Unlock()
	return nil
}

func (b *Backend) EndSession(meta *core.SessionMetadata) error {
	return nil
}

func (b *Backend) session() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Backend) RecordImuSamples(samples []core.ImuSample) error {
	id := b.session()
	var errs []error
	for _, s := range samples {
		errs = append(errs, b.m.WritePoint(BucketSensorData, SamplePoint(id, s)))
	}
	return errors.Join(errs...)
}

func (b *Backend) RecordFrameStamps(frames []core.FrameStamp) error {
	id := b.session()
	var errs []error
	for _, f := range frames {
		errs = append(errs, b.m.WritePoint(BucketSensorData, FramePoint(id, f)))
	}
	return errors.Join(errs...)
}

func (b *Backend) RecordPerformance(p core.Performance) error {
	return b.m.WritePoint(BucketPerformance, PerformancePoint(p))
}
