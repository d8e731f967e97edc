package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"
)

// MJPEGFile appends each frame as a complete JPEG image. The result plays in
// ffplay and VLC and survives truncation at any frame boundary.
type MJPEGFile struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	opts    jpeg.Options
	buf     bytes.Buffer
	frames  uint64
	written int64
	closed  bool
}

// NewMJPEGFile creates (or truncates) path.
func NewMJPEGFile(path string, q int) (*MJPEGFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating video file: %w", err)
	}
	return &MJPEGFile{f: f, path: path, opts: jpeg.Options{Quality: quality(q)}}, nil
}

func (m *MJPEGFile) WriteFrame(img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.buf.Reset()
	if err := jpeg.Encode(&m.buf, img, &m.opts); err != nil {
		return fmt.Errorf("encoding frame %d: %w", m.frames, err)
	}
	n, err := m.f.Write(m.buf.Bytes())
	if err != nil {
		// drop the partial frame so the file stays a clean sequence of JPEGs
		if terr := m.f.Truncate(m.written); terr == nil {
			_, _ = m.f.Seek(m.written, 0)
		}
		return fmt.Errorf("writing frame %d: %w", m.frames, err)
	}
	m.written += int64(n)
	m.frames++
	return nil
}

func (m *MJPEGFile) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Bytes returns the size of the file so far.
func (m *MJPEGFile) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

func (m *MJPEGFile) Path() string { return m.path }

func (m *MJPEGFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.f.Sync(); err != nil {
		m.f.Close()
		return fmt.Errorf("syncing video file: %w", err)
	}
	return m.f.Close()
}
