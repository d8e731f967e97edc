// Package video writes recorded frames to disk.
package video

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("video sink closed")

// Sink accepts frames in capture order.
type Sink interface {
	WriteFrame(img image.Image) error
	// Frames is the number of frames accepted so far.
	Frames() uint64
	Path() string
	Close() error
}

// Encoders.
const (
	EncoderMJPEG  = "mjpeg"
	EncoderFFmpeg = "ffmpeg"
)

// Config selects the encoder.
type Config struct {
	Encoder    string
	Quality    int
	FFmpegPath string
	FPS        float64
}

// New creates the sink described by cfg inside dir.
func New(cfg Config, dir string) (Sink, error) {
	switch cfg.Encoder {
	case EncoderMJPEG, "":
		return NewMJPEGFile(filepath.Join(dir, "video.mjpeg"), cfg.Quality)
	case EncoderFFmpeg:
		return NewFFmpeg(cfg.FFmpegPath, filepath.Join(dir, "video.mp4"), cfg.FPS, cfg.Quality)
	default:
		return nil, fmt.Errorf("unknown video encoder: %s", cfg.Encoder)
	}
}

func quality(q int) int {
	if q <= 0 || q > 100 {
		return 85
	}
	return q
}
