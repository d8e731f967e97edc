package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rollcap/recorder/pkg/core"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the adapter needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var _ Port = (serial.Port)(nil)

// Serial speaks the robot bridge's line protocol over a serial port.
//
// Requests and responses are single ASCII lines:
//
//	D,<speed>,<heading>,<dir>  ->  OK | ERR,<reason>
//	S                          ->  S,<ax>,<ay>,<az>,<gx>,<gy>,<gz>
//	B                          ->  B,<volts>
//	W | Z                      ->  OK          (wake | soft sleep)
//
// One exchange holds the adapter lock from write to response, so the
// movement and sensor loops can share a port without interleaving.
type Serial struct {
	mu          sync.Mutex
	port        Port
	name        string
	callTimeout time.Duration
	logger      *slog.Logger

	pending []byte
	buf     [256]byte
	stale   bool
	closed  bool
}

// OpenSerial opens path with opts and wraps it in a Serial adapter.
func OpenSerial(path string, opts PortOptions, callTimeout time.Duration, logger *slog.Logger) (*Serial, error) {
	if path == "" {
		return nil, fmt.Errorf("serial port path is empty")
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	s := NewSerial(port, callTimeout, logger)
	s.name = path
	return s, nil
}

// NewSerial wraps an already open port.
func NewSerial(port Port, callTimeout time.Duration, logger *slog.Logger) *Serial {
	if callTimeout <= 0 {
		callTimeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{
		port:        port,
		name:        "serial",
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// SendMotion sends a drive command and waits for the acknowledgement.
func (s *Serial) SendMotion(ctx context.Context, cmd core.MotionCommand) error {
	dir := 0
	if cmd.Reverse {
		dir = 1
	}
	req := fmt.Sprintf("D,%d,%d,%d", cmd.Speed, core.NormalizeHeading(cmd.Heading), dir)
	return s.expectOK(ctx, req)
}

// ReadIMU polls one accelerometer and gyroscope reading.
func (s *Serial) ReadIMU(ctx context.Context) (core.ImuSample, error) {
	line, err := s.exchange(ctx, "S")
	if err != nil {
		return core.ImuSample{}, err
	}
	vals, err := parseFields(line, "S", 6)
	if err != nil {
		return core.ImuSample{}, err
	}
	return core.ImuSample{
		AccelX: vals[0], AccelY: vals[1], AccelZ: vals[2],
		GyroX: vals[3], GyroY: vals[4], GyroZ: vals[5],
	}, nil
}

// BatteryVoltage reads the battery voltage.
func (s *Serial) BatteryVoltage(ctx context.Context) (float64, error) {
	line, err := s.exchange(ctx, "B")
	if err != nil {
		return 0, err
	}
	vals, err := parseFields(line, "B", 1)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// Wake brings the robot out of sleep.
func (s *Serial) Wake(ctx context.Context) error {
	return s.expectOK(ctx, "W")
}

// Sleep puts the robot into soft sleep.
func (s *Serial) Sleep(ctx context.Context) error {
	return s.expectOK(ctx, "Z")
}

// Close releases the port. Further calls return ErrDisconnected.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

func (s *Serial) expectOK(ctx context.Context, req string) error {
	line, err := s.exchange(ctx, req)
	if err != nil {
		return err
	}
	switch {
	case line == "OK":
		return nil
	case strings.HasPrefix(line, "ERR"):
		reason := strings.TrimPrefix(strings.TrimPrefix(line, "ERR"), ",")
		return fmt.Errorf("%w: %s rejected: %s", ErrProtocol, req, reason)
	default:
		return fmt.Errorf("%w: %s: unexpected reply %q", ErrProtocol, req, line)
	}
}

// exchange writes one request line and returns the next non-empty response line.
func (s *Serial) exchange(ctx context.Context, req string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("%w: %s is closed", ErrDisconnected, s.name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// a late reply to a timed-out request must not be read as this one's
	if s.stale {
		if err := s.port.ResetInputBuffer(); err != nil {
			s.logger.Debug("Failed to reset serial input buffer", "port", s.name, "error", err)
		}
		s.pending = s.pending[:0]
		s.stale = false
	}

	deadline := time.Now().Add(s.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := s.port.Write([]byte(req + "\n")); err != nil {
		return "", fmt.Errorf("%w: writing %q to %s: %v", ErrDisconnected, req, s.name, err)
	}

	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = s.pending[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.stale = true
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w: %q on %s after %s", ErrTimeout, req, s.name, s.callTimeout)
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("%w: setting read timeout on %s: %v", ErrDisconnected, s.name, err)
		}

		n, err := s.port.Read(s.buf[:])
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", ErrDisconnected, s.name, err)
		}
	}
}

// parseFields checks the reply tag and parses exactly n float fields.
func parseFields(line, tag string, n int) ([]float64, error) {
	parts := strings.Split(line, ",")
	if len(parts) != n+1 || parts[0] != tag {
		return nil, fmt.Errorf("%w: expected %s with %d fields, got %q", ErrProtocol, tag, n, line)
	}
	vals := make([]float64, n)
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d of %q: %v", ErrProtocol, i+1, line, err)
		}
		vals[i] = v
	}
	return vals, nil
}
