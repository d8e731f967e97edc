package capture

import (
	"context"
	"image"
	"sync"

	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/pkg/core"
)

// fakeRobot is a scripted device.Adapter. fail returns the error for the nth
// call of each kind (1-based), or nil.
type fakeRobot struct {
	mu       sync.Mutex
	commands []core.MotionCommand
	reads    int
	sends    int
	failRead func(n int) error
	failSend func(n int) error
	onRead   func(n int)
	onSend   func(n int)
}

var _ device.Adapter = (*fakeRobot)(nil)

func (f *fakeRobot) SendMotion(_ context.Context, cmd core.MotionCommand) error {
	f.mu.Lock()
	f.sends++
	n := f.sends
	var err error
	if f.failSend != nil {
		err = f.failSend(n)
	}
	if err == nil {
		f.commands = append(f.commands, cmd)
	}
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(n)
	}
	return err
}

func (f *fakeRobot) ReadIMU(context.Context) (core.ImuSample, error) {
	f.mu.Lock()
	f.reads++
	n := f.reads
	var err error
	if f.failRead != nil {
		err = f.failRead(n)
	}
	f.mu.Unlock()
	if f.onRead != nil {
		f.onRead(n)
	}
	if err != nil {
		return core.ImuSample{}, err
	}
	return core.ImuSample{AccelZ: 9.81, GyroZ: float64(n)}, nil
}

func (f *fakeRobot) Close() error { return nil }

func (f *fakeRobot) sent() []core.MotionCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.MotionCommand(nil), f.commands...)
}

// fakeSink counts frames and can reject them.
type fakeSink struct {
	mu     sync.Mutex
	frames []image.Image
	fail   func(n int) error
	calls  int
}

func (s *fakeSink) WriteFrame(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(s.calls); err != nil {
			return err
		}
	}
	s.frames = append(s.frames, img)
	return nil
}

func (s *fakeSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.frames))
}

func (s *fakeSink) Path() string { return "video.mjpeg" }
func (s *fakeSink) Close() error { return nil }
