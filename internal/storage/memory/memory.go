// internal/storage/memory/memory.go
package memory

import (
	"sync"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/pkg/core"
)

// Backend keeps the whole session in memory and exports it to a single JSON
// file when the session ends.
type Backend struct {
	cfg       config.MemoryConfig
	outputDir string
	meta      *core.SessionMetadata

	samples []core.ImuSample
	frames  []core.FrameStamp

	lastExportPath string
	mu             sync.RWMutex
}

// New creates a new memory backend exporting into outputDir
func New(cfg config.MemoryConfig, outputDir string) *Backend {
	return &Backend{
		cfg:       cfg,
		outputDir: outputDir,
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession begins recording a new session
func (b *Backend) StartSession(meta *core.SessionMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := *meta
	b.meta = &m

	// Reset all collections
	b.samples = nil
	b.frames = nil
	b.lastExportPath = ""

	return nil
}

// EndSession finalizes and exports the session data
func (b *Backend) EndSession(meta *core.SessionMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := *meta
	b.meta = &m
	return b.exportJSON()
}

// RecordImuSamples appends a batch of samples
func (b *Backend) RecordImuSamples(samples []core.ImuSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
	return nil
}

// RecordFrameStamps appends a batch of frame stamps
func (b *Backend) RecordFrameStamps(frames []core.FrameStamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frames...)
	return nil
}

// Len returns the number of samples and frames held
func (b *Backend) Len() (samples, frames int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples), len(b.frames)
}

// ExportedFilePath returns the path of the last export, if any
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
