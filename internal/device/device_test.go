package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// scriptedPort is a Port whose replies come from a responder function.
// A responder returning "" stays silent, which the adapter sees as a timeout.
type scriptedPort struct {
	mu          sync.Mutex
	respond     func(req string) string
	requests    []string
	partial     []byte
	readBuf     bytes.Buffer
	readTimeout time.Duration
	readErr     error
	writeErr    error
	resets      int
	closed      bool
}

func newScriptedPort(respond func(string) string) *scriptedPort {
	return &scriptedPort{respond: respond, readTimeout: 10 * time.Millisecond}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		req := string(p.partial[:i])
		p.partial = p.partial[i+1:]
		p.requests = append(p.requests, req)
		if reply := p.respond(req); reply != "" {
			p.readBuf.WriteString(reply)
		}
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if p.readBuf.Len() > 0 {
		n, _ := p.readBuf.Read(b)
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()
	// behave like go.bug.st/serial: block up to the timeout, then return 0, nil
	time.Sleep(min(timeout, 5*time.Millisecond))
	return 0, nil
}

func (p *scriptedPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *scriptedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.readBuf.Reset()
	return nil
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// robotResponder emulates a healthy robot bridge.
func robotResponder(req string) string {
	switch {
	case strings.HasPrefix(req, "D,"):
		return "OK\n"
	case req == "S":
		return "S,0.1,-0.2,9.81,0.001,0.002,0.003\n"
	case req == "B":
		return "B,3.95\n"
	case req == "W", req == "Z":
		return "OK\n"
	}
	return "ERR,unknown\n"
}

func TestSerial_SendMotion(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 50*time.Millisecond, nil)

	err := s.SendMotion(context.Background(), core.MotionCommand{Speed: 150, Heading: 370, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"D,150,10,1"}, port.sent())
}

func TestSerial_ReadIMU(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 50*time.Millisecond, nil)

	sample, err := s.ReadIMU(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, sample.AccelX, 1e-9)
	assert.InDelta(t, -0.2, sample.AccelY, 1e-9)
	assert.InDelta(t, 9.81, sample.AccelZ, 1e-9)
	assert.InDelta(t, 0.003, sample.GyroZ, 1e-9)
	assert.True(t, sample.CapturedAt.IsZero(), "caller stamps the sample")
}

func TestSerial_ReplySplitAcrossReads(t *testing.T) {
	port := newScriptedPort(func(req string) string { return "" })
	s := NewSerial(port, 200*time.Millisecond, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		port.mu.Lock()
		port.readBuf.WriteString("B,3.")
		port.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		port.mu.Lock()
		port.readBuf.WriteString("70\r\n")
		port.mu.Unlock()
	}()

	v, err := s.BatteryVoltage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.70, v, 1e-9)
}

func TestSerial_ErrorReply(t *testing.T) {
	port := newScriptedPort(func(req string) string { return "ERR,motor stalled\n" })
	s := NewSerial(port, 50*time.Millisecond, nil)

	err := s.SendMotion(context.Background(), core.MotionCommand{Speed: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "motor stalled")
}

func TestSerial_MalformedIMUReply(t *testing.T) {
	port := newScriptedPort(func(req string) string { return "S,1,2,three,4,5,6\n" })
	s := NewSerial(port, 50*time.Millisecond, nil)

	_, err := s.ReadIMU(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSerial_TimeoutThenStaleReplyIsDiscarded(t *testing.T) {
	silent := true
	port := newScriptedPort(func(req string) string {
		if silent {
			return ""
		}
		return robotResponder(req)
	})
	s := NewSerial(port, 30*time.Millisecond, nil)

	_, err := s.ReadIMU(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	// the late reply to the timed out request arrives now
	port.mu.Lock()
	port.readBuf.WriteString("S,9,9,9,9,9,9\n")
	silent = false
	port.mu.Unlock()

	require.NoError(t, s.SendMotion(context.Background(), core.MotionCommand{Speed: 10}))
	port.mu.Lock()
	resets := port.resets
	port.mu.Unlock()
	assert.Equal(t, 1, resets)
}

func TestSerial_ReadErrorIsDisconnect(t *testing.T) {
	port := newScriptedPort(func(string) string { return "" })
	port.readErr = io.EOF
	s := NewSerial(port, 50*time.Millisecond, nil)

	_, err := s.ReadIMU(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSerial_WriteErrorIsDisconnect(t *testing.T) {
	port := newScriptedPort(robotResponder)
	port.writeErr = errors.New("device not configured")
	s := NewSerial(port, 50*time.Millisecond, nil)

	err := s.SendMotion(context.Background(), core.MotionCommand{})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSerial_CancelledContext(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ReadIMU(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, port.sent())
}

func TestSerial_CloseThenCall(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 50*time.Millisecond, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, port.closed)

	err := s.Wake(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSerial_ConcurrentCallsDoNotInterleave(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 100*time.Millisecond, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.ReadIMU(context.Background())
			errs <- err
		}()
		go func(i int) {
			defer wg.Done()
			errs <- s.SendMotion(context.Background(), core.MotionCommand{Speed: i})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, port.sent(), 100)
}

func TestSerial_PowerAndBattery(t *testing.T) {
	port := newScriptedPort(robotResponder)
	s := NewSerial(port, 50*time.Millisecond, nil)

	var _ PowerManager = s
	var _ BatteryReader = s

	require.NoError(t, s.Wake(context.Background()))
	require.NoError(t, s.Sleep(context.Background()))
	v, err := s.BatteryVoltage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.95, v, 1e-9)
	assert.Equal(t, []string{"W", "Z", "B"}, port.sent())
}

func TestPortOptions_Normalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)

	opts, err = PortOptions{Parity: " even "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestSimulated_ReadsAndCommands(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sim := NewSimulated(SimulatedConfig{Seed: 7}, clock)
	ctx := context.Background()

	sample, err := sim.ReadIMU(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9.81, sample.AccelZ, 0.05)

	cmd := core.MotionCommand{Speed: 255, Heading: 0}
	require.NoError(t, sim.SendMotion(ctx, cmd))
	assert.Equal(t, cmd, sim.LastCommand())
	assert.Equal(t, uint64(1), sim.CommandsAccepted())

	driving, err := sim.ReadIMU(ctx)
	require.NoError(t, err)
	assert.Greater(t, driving.AccelX, 0.2, "forward drive shows up on the x axis")
}

func TestSimulated_FailureInjection(t *testing.T) {
	sim := NewSimulated(SimulatedConfig{FailEvery: 3, DisconnectAfter: 5, Seed: 1}, timeutil.NewMockClock(time.Unix(0, 0)))
	ctx := context.Background()

	var errs []error
	for i := 0; i < 6; i++ {
		_, err := sim.ReadIMU(ctx)
		errs = append(errs, err)
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrProtocol)
	assert.NoError(t, errs[3])
	assert.NoError(t, errs[4])
	assert.ErrorIs(t, errs[5], ErrDisconnected)
}

func TestSimulated_SleepRejectsMotion(t *testing.T) {
	sim := NewSimulated(SimulatedConfig{Seed: 1}, nil)
	ctx := context.Background()

	require.NoError(t, sim.Sleep(ctx))
	assert.False(t, sim.Awake())
	assert.ErrorIs(t, sim.SendMotion(ctx, core.MotionCommand{Speed: 50}), ErrProtocol)

	require.NoError(t, sim.Wake(ctx))
	assert.NoError(t, sim.SendMotion(ctx, core.MotionCommand{Speed: 50}))

	v, err := sim.BatteryVoltage(ctx)
	require.NoError(t, err)
	assert.Greater(t, v, 3.0)

	require.NoError(t, sim.Close())
	_, err = sim.ReadIMU(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestOpen_SharedSimulated(t *testing.T) {
	pair, err := Open(Config{Type: TypeSimulated, Transport: TransportShared}, nil, nil)
	require.NoError(t, err)
	assert.True(t, pair.Shared())

	_, ok := pair.Battery()
	assert.True(t, ok)
	require.NoError(t, pair.Wake(context.Background()))
	require.NoError(t, pair.Close())
}

func TestOpen_IsolatedSimulated(t *testing.T) {
	pair, err := Open(Config{Type: TypeSimulated, Transport: TransportIsolated}, nil, nil)
	require.NoError(t, err)
	assert.False(t, pair.Shared())
	require.NoError(t, pair.Sleep(context.Background()))
	assert.False(t, pair.Motion.(*Simulated).Awake())
	assert.False(t, pair.IMU.(*Simulated).Awake())
	require.NoError(t, pair.Close())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Type: "bluetooth"}, nil, nil)
	assert.Error(t, err)

	_, err = Open(Config{Type: TypeSimulated, Transport: "carrier-pigeon"}, nil, nil)
	assert.Error(t, err)

	_, err = Open(Config{Type: TypeSerial, Transport: TransportIsolated, Port: "/dev/ttyUSB0"}, nil, nil)
	assert.Error(t, err)

	_, err = Open(Config{Type: TypeSerial, Port: ""}, nil, nil)
	assert.Error(t, err)
}
