package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/rollcap/recorder/internal/timeutil"
)

// Synthetic renders a moving test pattern. Every FailEvery-th read fails,
// which lets tests and dry runs exercise the frame-drop path.
type Synthetic struct {
	mu     sync.Mutex
	cfg    Config
	clock  timeutil.Clock
	reads  int
	closed bool
}

// NewSynthetic creates a synthetic source. Zero dimensions default to 640x480.
func NewSynthetic(cfg Config, clock timeutil.Clock) *Synthetic {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Synthetic{cfg: cfg, clock: clock}
}

func (s *Synthetic) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.cfg.Latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.reads++
	if s.cfg.FailEvery > 0 && s.reads%s.cfg.FailEvery == 0 {
		return nil, fmt.Errorf("synthetic frame %d dropped", s.reads)
	}

	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	shift := s.reads * 4
	for y := 0; y < s.cfg.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < s.cfg.Width; x++ {
			px := row[x*4 : x*4+4]
			px[0] = uint8((x + shift) % 256)
			px[1] = uint8(y % 256)
			px[2] = uint8((x + y) / 4 % 256)
			px[3] = 0xff
		}
	}
	return img, nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
