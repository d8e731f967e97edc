// Package camera provides frame sources for the recorder.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"
)

// ErrClosed is returned once a source has been closed or its stream ended.
var ErrClosed = errors.New("camera closed")

// Source yields the most recent frame on demand.
type Source interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// Camera types.
const (
	TypeSynthetic = "synthetic"
	TypeMJPEG     = "mjpeg"
)

// Config selects and configures the frame source.
type Config struct {
	Type   string
	Width  int
	Height int
	URL    string

	// synthetic only
	FailEvery int
	Latency   time.Duration
}

// Open builds the source described by cfg.
func Open(ctx context.Context, cfg Config, clock timeutil.Clock, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case TypeSynthetic, "":
		logger.Info("Camera opened", "type", TypeSynthetic, "width", cfg.Width, "height", cfg.Height)
		return NewSynthetic(cfg, clock), nil
	case TypeMJPEG:
		src, err := DialMJPEG(ctx, cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Camera opened", "type", TypeMJPEG, "url", cfg.URL)
		return src, nil
	default:
		return nil, fmt.Errorf("unknown camera type: %s", cfg.Type)
	}
}
