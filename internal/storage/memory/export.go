// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rollcap/recorder/pkg/core"
)

// SessionExport is the root JSON structure.
// Samples rows are [seconds, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z],
// frame rows are [frame, seconds], both relative to the session start.
type SessionExport struct {
	Metadata      core.SessionMetadata `json:"metadata"`
	SampleColumns []string             `json:"sampleColumns"`
	Samples       [][7]float64         `json:"samples"`
	FrameColumns  []string             `json:"frameColumns"`
	Frames        [][2]float64         `json:"frames"`
}

// exportJSON writes the session data to a (optionally gzipped) JSON file
func (b *Backend) exportJSON() error {
	if b.meta == nil {
		return fmt.Errorf("no session started")
	}
	export := b.buildExport()

	// Build filename
	timestamp := b.meta.StartedAt.Format("20060102_150405")

	var filename string
	if b.cfg.CompressOutput {
		filename = fmt.Sprintf("session_%s.json.gz", timestamp)
	} else {
		filename = fmt.Sprintf("session_%s.json", timestamp)
	}

	outputPath := filepath.Join(b.outputDir, filename)

	// Ensure output directory exists
	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Write file
	if b.cfg.CompressOutput {
		if err := b.writeGzipJSON(outputPath, export); err != nil {
			return err
		}
	} else {
		if err := b.writeJSON(outputPath, export); err != nil {
			return err
		}
	}

	b.lastExportPath = outputPath
	return nil
}

func (b *Backend) buildExport() SessionExport {
	export := SessionExport{
		Metadata:      *b.meta,
		SampleColumns: []string{"timestamp", "accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z"},
		Samples:       make([][7]float64, 0, len(b.samples)),
		FrameColumns:  []string{"frame", "timestamp"},
		Frames:        make([][2]float64, 0, len(b.frames)),
	}

	start := b.meta.StartedAt
	for _, s := range b.samples {
		export.Samples = append(export.Samples, [7]float64{
			relative(s.CapturedAt, start),
			s.AccelX, s.AccelY, s.AccelZ,
			s.GyroX, s.GyroY, s.GyroZ,
		})
	}
	for _, f := range b.frames {
		export.Frames = append(export.Frames, [2]float64{float64(f.Seq), relative(f.CapturedAt, start)})
	}

	return export
}

func relative(t, start time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	return t.Sub(start).Seconds()
}

func (b *Backend) writeJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func (b *Backend) writeGzipJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	defer gzWriter.Close()

	encoder := json.NewEncoder(gzWriter)
	return encoder.Encode(data)
}
