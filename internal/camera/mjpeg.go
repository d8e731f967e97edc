package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
)

// MJPEG reads a multipart/x-mixed-replace JPEG stream, as served by most IP
// cameras and phone camera apps. A background goroutine decodes parts as they
// arrive and keeps only the latest frame.
type MJPEG struct {
	url    string
	logger *slog.Logger
	cancel context.CancelFunc
	body   io.ReadCloser
	done   chan struct{}

	mu       sync.Mutex
	latest   image.Image
	seq      uint64
	returned uint64
	err      error
	updated  chan struct{}
}

// DialMJPEG connects to url and starts decoding. ctx bounds the connection
// attempt only; the stream lives until Close.
func DialMJPEG(ctx context.Context, url string, logger *slog.Logger) (*MJPEG, error) {
	if url == "" {
		return nil, fmt.Errorf("camera url is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("building camera request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to camera %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera %s: unexpected status %s", url, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera %s: not a multipart stream (%q)", url, resp.Header.Get("Content-Type"))
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera %s: missing multipart boundary", url)
	}

	m := &MJPEG{
		url:     url,
		logger:  logger,
		cancel:  cancel,
		body:    resp.Body,
		done:    make(chan struct{}),
		updated: make(chan struct{}),
	}
	go m.readLoop(newPartReader(resp.Body, boundary))
	return m, nil
}

func (m *MJPEG) readLoop(pr *partReader) {
	defer close(m.done)
	for {
		body, err := pr.next()
		if err != nil {
			m.fail(err)
			return
		}
		img, err := jpeg.Decode(bytes.NewReader(body))
		if err != nil {
			m.logger.Debug("Skipping undecodable camera frame", "url", m.url, "error", err)
			continue
		}

		m.mu.Lock()
		m.latest = img
		m.seq++
		close(m.updated)
		m.updated = make(chan struct{})
		m.mu.Unlock()
	}
}

// partReader splits a multipart/x-mixed-replace body into JPEG payloads.
// Parts carrying Content-Length are returned as soon as their last byte
// arrives; multipart.Reader would hold each one until the next boundary.
// Parts without a length are read up to the following boundary line.
type partReader struct {
	br    *bufio.Reader
	tp    *textproto.Reader
	delim []byte

	// atHeader is set when the previous body consumed the next delimiter.
	atHeader bool
	finished bool
}

func newPartReader(r io.Reader, boundary string) *partReader {
	br := bufio.NewReaderSize(r, 64<<10)
	return &partReader{
		br:    br,
		tp:    textproto.NewReader(br),
		delim: []byte("--" + boundary),
	}
}

func (p *partReader) next() ([]byte, error) {
	if p.finished {
		return nil, io.EOF
	}
	if !p.atHeader {
		if err := p.skipToDelimiter(); err != nil {
			return nil, err
		}
	}
	p.atHeader = false

	hdr, err := p.tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("reading part header: %w", err)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(hdr.Get("Content-Length"))); err == nil && n > 0 {
		body := make([]byte, n)
		if _, err := io.ReadFull(p.br, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	return p.readToDelimiter()
}

// isDelimiter reports whether line is a boundary line and whether it is the
// closing one.
func (p *partReader) isDelimiter(line []byte) (ok, closing bool) {
	line = bytes.TrimRight(line, " \t\r\n")
	rest, found := bytes.CutPrefix(line, p.delim)
	if !found {
		return false, false
	}
	switch string(rest) {
	case "":
		return true, false
	case "--":
		return true, true
	}
	return false, false
}

func (p *partReader) skipToDelimiter() error {
	lineStart := true
	for {
		chunk, err := p.br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
		if lineStart {
			if ok, closing := p.isDelimiter(chunk); ok {
				if closing {
					p.finished = true
					return io.EOF
				}
				return nil
			}
		}
		lineStart = err == nil
	}
}

func (p *partReader) readToDelimiter() ([]byte, error) {
	var body []byte
	lineStart := true
	for {
		chunk, err := p.br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		if lineStart {
			if ok, closing := p.isDelimiter(chunk); ok {
				p.atHeader = true
				p.finished = closing
				body = bytes.TrimSuffix(body, []byte("\n"))
				return bytes.TrimSuffix(body, []byte("\r")), nil
			}
		}
		body = append(body, chunk...)
		lineStart = err == nil
	}
}

func (m *MJPEG) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			m.err = ErrClosed
		} else {
			m.err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
		m.logger.Warn("Camera stream ended", "url", m.url, "error", err)
	}
	close(m.updated)
	m.updated = make(chan struct{})
}

// ReadFrame returns the newest frame not returned before, waiting for one if
// necessary.
func (m *MJPEG) ReadFrame(ctx context.Context) (image.Image, error) {
	for {
		m.mu.Lock()
		if m.seq > m.returned {
			m.returned = m.seq
			img := m.latest
			m.mu.Unlock()
			return img, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return nil, err
		}
		wait := m.updated
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Close stops the stream and waits for the decoder to exit.
func (m *MJPEG) Close() error {
	m.cancel()
	_ = m.body.Close()
	<-m.done
	return nil
}
