package device

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
)

// SimulatedConfig tunes the simulated robot.
type SimulatedConfig struct {
	Latency         time.Duration `json:"latency" mapstructure:"latency"`
	FailEvery       int           `json:"failEvery" mapstructure:"failEvery"`             // every Nth call fails with ErrProtocol
	DisconnectAfter int           `json:"disconnectAfter" mapstructure:"disconnectAfter"` // calls before ErrDisconnected
	Seed            uint64        `json:"seed" mapstructure:"seed"`
}

// Simulated is an in-process robot. IMU readings follow slow sine waves
// around gravity plus a component driven by the last motion command.
type Simulated struct {
	mu     sync.Mutex
	cfg    SimulatedConfig
	clock  timeutil.Clock
	rng    *rand.Rand
	start  time.Time
	last   core.MotionCommand
	sent   uint64
	calls  int
	awake  bool
	closed bool
	volts  float64
}

// NewSimulated creates a simulated robot that starts awake at 4.2 V.
func NewSimulated(cfg SimulatedConfig, clock timeutil.Clock) *Simulated {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start: clock.Now(),
		awake: true,
		volts: 4.2,
	}
}

// call applies latency and the configured failure schedule.
func (s *Simulated) call(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.Latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: simulated device closed", ErrDisconnected)
	}
	s.calls++
	if s.cfg.DisconnectAfter > 0 && s.calls > s.cfg.DisconnectAfter {
		return fmt.Errorf("%w: simulated link dropped after %d calls", ErrDisconnected, s.cfg.DisconnectAfter)
	}
	if s.cfg.FailEvery > 0 && s.calls%s.cfg.FailEvery == 0 {
		return fmt.Errorf("%w: simulated %s failure on call %d", ErrProtocol, op, s.calls)
	}
	return nil
}

// SendMotion records the command as the robot's current drive state.
func (s *Simulated) SendMotion(ctx context.Context, cmd core.MotionCommand) error {
	if err := s.call(ctx, "motion"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awake {
		return fmt.Errorf("%w: robot is asleep", ErrProtocol)
	}
	s.last = cmd
	s.sent++
	// driving drains the battery a little
	s.volts = math.Max(3.0, s.volts-float64(cmd.Speed)*1e-7)
	return nil
}

// ReadIMU synthesizes one reading.
func (s *Simulated) ReadIMU(ctx context.Context) (core.ImuSample, error) {
	if err := s.call(ctx, "imu"); err != nil {
		return core.ImuSample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.clock.Since(s.start).Seconds()
	drive := float64(s.last.Speed) / 255
	if s.last.Reverse {
		drive = -drive
	}
	rad := float64(s.last.Heading) * math.Pi / 180

	return core.ImuSample{
		AccelX: 0.02*math.Sin(step) + 0.3*drive*math.Cos(rad) + s.noise(0.005),
		AccelY: 0.01*math.Cos(step) + 0.3*drive*math.Sin(rad) + s.noise(0.005),
		AccelZ: 9.81 + s.noise(0.02),
		GyroX:  0.001*math.Sin(step*2) + s.noise(0.0005),
		GyroY:  0.001*math.Cos(step*2) + s.noise(0.0005),
		GyroZ:  0.0005 + 0.05*drive + s.noise(0.0002),
	}, nil
}

func (s *Simulated) noise(scale float64) float64 {
	return s.rng.Float64() * scale
}

// BatteryVoltage reports the simulated battery level.
func (s *Simulated) BatteryVoltage(ctx context.Context) (float64, error) {
	if err := s.call(ctx, "battery"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volts, nil
}

// Wake brings the robot out of sleep.
func (s *Simulated) Wake(ctx context.Context) error {
	if err := s.call(ctx, "wake"); err != nil {
		return err
	}
	s.mu.Lock()
	s.awake = true
	s.mu.Unlock()
	return nil
}

// Sleep puts the robot into soft sleep.
func (s *Simulated) Sleep(ctx context.Context) error {
	if err := s.call(ctx, "sleep"); err != nil {
		return err
	}
	s.mu.Lock()
	s.awake = false
	s.mu.Unlock()
	return nil
}

// Close disconnects the simulated robot.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// LastCommand returns the most recent accepted motion command.
func (s *Simulated) LastCommand() core.MotionCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// CommandsAccepted returns how many motion commands were accepted.
func (s *Simulated) CommandsAccepted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Awake reports whether the robot is awake.
func (s *Simulated) Awake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awake
}
