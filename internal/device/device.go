// Package device talks to the robot: motion commands out, inertial samples in.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
)

var (
	// ErrDisconnected means the link to the robot is gone. Loops treat it as fatal.
	ErrDisconnected = errors.New("device disconnected")
	// ErrTimeout means a single exchange did not complete within the call timeout.
	ErrTimeout = errors.New("device call timed out")
	// ErrProtocol means the robot answered with something unexpected or an error line.
	ErrProtocol = errors.New("device protocol error")
)

// Adapter is the robot transport. ReadIMU returns a sample without a
// timestamp; the caller stamps it from the session clock.
type Adapter interface {
	SendMotion(ctx context.Context, cmd core.MotionCommand) error
	ReadIMU(ctx context.Context) (core.ImuSample, error)
	Close() error
}

// PowerManager is implemented by adapters that can wake or soft-sleep the robot.
type PowerManager interface {
	Wake(ctx context.Context) error
	Sleep(ctx context.Context) error
}

// BatteryReader is implemented by adapters that report battery voltage.
type BatteryReader interface {
	BatteryVoltage(ctx context.Context) (float64, error)
}

// Transport modes.
const (
	TransportShared   = "shared"
	TransportIsolated = "isolated"
)

// Device types.
const (
	TypeSerial    = "serial"
	TypeSimulated = "simulated"
)

// Config selects and configures the adapter(s).
type Config struct {
	Type        string
	Transport   string
	Port        string // motion port, and IMU port in shared mode
	IMUPort     string // IMU port in isolated mode
	Options     PortOptions
	CallTimeout time.Duration
	Simulated   SimulatedConfig
}

// Pair holds the adapters used by the movement and sensor loops. In shared
// mode both fields point to the same adapter and its calls are serialized.
type Pair struct {
	Motion Adapter
	IMU    Adapter
}

// Shared reports whether both loops use the same adapter.
func (p Pair) Shared() bool {
	return p.Motion == p.IMU
}

// Close releases every distinct adapter in the pair.
func (p Pair) Close() error {
	var errs []error
	if p.Motion != nil {
		errs = append(errs, p.Motion.Close())
	}
	if p.IMU != nil && !p.Shared() {
		errs = append(errs, p.IMU.Close())
	}
	return errors.Join(errs...)
}

// Wake wakes every adapter that supports it.
func (p Pair) Wake(ctx context.Context) error {
	return p.eachPower(func(pm PowerManager) error { return pm.Wake(ctx) })
}

// Sleep soft-sleeps every adapter that supports it.
func (p Pair) Sleep(ctx context.Context) error {
	return p.eachPower(func(pm PowerManager) error { return pm.Sleep(ctx) })
}

func (p Pair) eachPower(fn func(PowerManager) error) error {
	var errs []error
	for i, a := range []Adapter{p.Motion, p.IMU} {
		if i == 1 && p.Shared() {
			break
		}
		if pm, ok := a.(PowerManager); ok {
			errs = append(errs, fn(pm))
		}
	}
	return errors.Join(errs...)
}

// Battery returns the first battery reader in the pair, if any.
func (p Pair) Battery() (BatteryReader, bool) {
	for _, a := range []Adapter{p.Motion, p.IMU} {
		if br, ok := a.(BatteryReader); ok {
			return br, true
		}
	}
	return nil, false
}

// Open builds the adapter pair described by cfg.
func Open(cfg Config, clock timeutil.Clock, logger *slog.Logger) (Pair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	open := func(port string) (Adapter, error) {
		switch cfg.Type {
		case TypeSerial:
			return OpenSerial(port, cfg.Options, cfg.CallTimeout, logger)
		case TypeSimulated, "":
			return NewSimulated(cfg.Simulated, clock), nil
		default:
			return nil, fmt.Errorf("unknown device type: %s", cfg.Type)
		}
	}

	switch cfg.Transport {
	case TransportShared, "":
		a, err := open(cfg.Port)
		if err != nil {
			return Pair{}, err
		}
		logger.Info("Device opened", "type", cfg.Type, "transport", TransportShared, "port", cfg.Port)
		return Pair{Motion: a, IMU: a}, nil

	case TransportIsolated:
		if cfg.Type == TypeSerial && (cfg.IMUPort == "" || cfg.IMUPort == cfg.Port) {
			return Pair{}, fmt.Errorf("isolated transport needs a distinct IMU port")
		}
		motion, err := open(cfg.Port)
		if err != nil {
			return Pair{}, err
		}
		imu, err := open(cfg.IMUPort)
		if err != nil {
			_ = motion.Close()
			return Pair{}, err
		}
		logger.Info("Device opened", "type", cfg.Type, "transport", TransportIsolated,
			"motionPort", cfg.Port, "imuPort", cfg.IMUPort)
		return Pair{Motion: motion, IMU: imu}, nil

	default:
		return Pair{}, fmt.Errorf("unknown device transport: %s", cfg.Transport)
	}
}
