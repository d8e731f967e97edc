package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// FFmpeg pipes JPEG frames into an ffmpeg process that encodes H.264 MP4.
type FFmpeg struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	path   string
	opts   jpeg.Options
	buf    bytes.Buffer
	frames uint64
	closed bool
}

// NewFFmpeg starts ffmpeg writing to path at fps.
func NewFFmpeg(bin, path string, fps float64, q int) (*FFmpeg, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	if fps <= 0 {
		fps = 30
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	f := &FFmpeg{path: path, opts: jpeg.Options{Quality: quality(q)}}
	f.cmd = exec.Command(resolved,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe", "-vcodec", "mjpeg",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		path,
	)
	f.cmd.Stderr = &f.stderr
	f.stdin, err = f.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := f.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	return f, nil
}

func (f *FFmpeg) WriteFrame(img image.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.buf.Reset()
	if err := jpeg.Encode(&f.buf, img, &f.opts); err != nil {
		return fmt.Errorf("encoding frame %d: %w", f.frames, err)
	}
	if _, err := f.stdin.Write(f.buf.Bytes()); err != nil {
		return fmt.Errorf("piping frame %d to ffmpeg: %w", f.frames, err)
	}
	f.frames++
	return nil
}

func (f *FFmpeg) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *FFmpeg) Path() string { return f.path }

// Close ends the input and waits for ffmpeg to finish the container.
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	_ = f.stdin.Close()
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(f.stderr.Bytes()))
	}
	return nil
}
