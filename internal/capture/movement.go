package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/rateloop"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/pkg/core"
)

// MovementConfig is the random drive schedule.
type MovementConfig struct {
	Hz                   float64
	MinSpeed             int
	MaxSpeed             int
	MinHold              time.Duration
	MaxHold              time.Duration
	ReverseChance        float64
	Jitter               float64
	MaxConsecutiveErrors int
	RecoverySpeed        int
	CallTimeout          time.Duration
}

func (c MovementConfig) withDefaults() MovementConfig {
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = 255
	}
	if c.MinSpeed > c.MaxSpeed {
		c.MinSpeed = c.MaxSpeed
	}
	if c.MinSpeed < 0 {
		c.MinSpeed = 0
	}
	if c.MaxHold < c.MinHold {
		c.MaxHold = c.MinHold
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.RecoverySpeed <= 0 {
		c.RecoverySpeed = 30
	}
	return c
}

// MovementController drives the robot with random commands. A command is held
// for a random duration and re-sent on every tick while held.
type MovementController struct {
	dev    device.Adapter
	cfg    MovementConfig
	clock  timeutil.Clock
	logger *slog.Logger
	rng    *rand.Rand
	ts     *TimeShare
	loop   *rateloop.Loop

	// touched only by the loop goroutine
	current     core.MotionCommand
	holdUntil   time.Time
	consecutive int
	parked      bool

	commands   atomic.Uint64
	failures   atomic.Uint64
	recoveries atomic.Uint64
}

// NewMovementController validates cfg and builds the controller loop.
func NewMovementController(dev device.Adapter, cfg MovementConfig, opts ...Option) (*MovementController, error) {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()

	m := &MovementController{
		dev:    dev,
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With("loop", "movement"),
		rng:    o.rng,
		ts:     o.timeShare,
	}

	loop, err := rateloop.New("movement", cfg.Hz,
		rateloop.WithClock(o.clock),
		rateloop.WithLogger(m.logger),
		rateloop.WithJitter(cfg.Jitter, o.rng),
	)
	if err != nil {
		return nil, err
	}
	m.loop = loop
	return m, nil
}

// Run drives until ctx is cancelled or the device disconnects.
func (m *MovementController) Run(ctx context.Context) error {
	return m.loop.Run(ctx, m.tick)
}

// Commands returns the number of commands the device accepted.
func (m *MovementController) Commands() uint64 { return m.commands.Load() }

// Failures returns the number of rejected commands.
func (m *MovementController) Failures() uint64 { return m.failures.Load() }

// Recoveries returns how many recovery commands were issued.
func (m *MovementController) Recoveries() uint64 { return m.recoveries.Load() }

// Stats returns the loop statistics.
func (m *MovementController) Stats() rateloop.Stats { return m.loop.Stats() }

// Current returns the command held by the schedule. Only safe once Run returned.
func (m *MovementController) Current() core.MotionCommand { return m.current }

func (m *MovementController) tick(ctx context.Context, tick rateloop.Tick) error {
	if m.ts != nil && !m.ts.Moving(tick.Start) {
		if m.parked {
			return nil
		}
		// one stop at the start of every collect phase
		stop := core.StopCommand(m.current.Heading, tick.Start)
		if err := m.send(ctx, stop); err != nil {
			return err
		}
		m.parked = true
		m.holdUntil = time.Time{}
		m.logger.Debug("Collect phase, robot parked")
		return nil
	}
	m.parked = false

	if !tick.Start.Before(m.holdUntil) {
		m.current = m.randomCommand()
		m.holdUntil = tick.Start.Add(m.randomHold())
	}
	cmd := m.current
	cmd.IssuedAt = tick.Start
	return m.send(ctx, cmd)
}

func (m *MovementController) send(ctx context.Context, cmd core.MotionCommand) error {
	callCtx, cancel := callContext(ctx, m.cfg.CallTimeout)
	err := m.dev.SendMotion(callCtx, cmd)
	cancel()
	if err == nil {
		m.commands.Add(1)
		m.consecutive = 0
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	m.failures.Add(1)
	err = fmt.Errorf("%w: %w", ErrCommandFailed, err)
	if errors.Is(err, device.ErrDisconnected) {
		return rateloop.Fatal(err)
	}

	m.consecutive++
	if m.consecutive >= m.cfg.MaxConsecutiveErrors {
		m.recover(ctx)
	}
	return err
}

// recover sends one conservative command and resets the error streak.
func (m *MovementController) recover(ctx context.Context) {
	m.consecutive = 0
	m.recoveries.Add(1)
	cmd := core.MotionCommand{
		Speed:    m.cfg.RecoverySpeed,
		Heading:  m.rng.IntN(360),
		IssuedAt: m.clock.Now(),
	}
	m.logger.Warn("Too many failed motion commands, sending recovery command",
		"speed", cmd.Speed, "heading", cmd.Heading)

	callCtx, cancel := callContext(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.dev.SendMotion(callCtx, cmd); err != nil {
		m.failures.Add(1)
		m.logger.Error("Recovery command failed", "error", err)
		return
	}
	m.commands.Add(1)
	m.current = cmd
}

func (m *MovementController) randomCommand() core.MotionCommand {
	return core.MotionCommand{
		Speed:   m.cfg.MinSpeed + m.rng.IntN(m.cfg.MaxSpeed-m.cfg.MinSpeed+1),
		Heading: m.rng.IntN(360),
		Reverse: m.rng.Float64() < m.cfg.ReverseChance,
	}
}

func (m *MovementController) randomHold() time.Duration {
	span := m.cfg.MaxHold - m.cfg.MinHold
	if span <= 0 {
		return m.cfg.MinHold
	}
	return m.cfg.MinHold + time.Duration(m.rng.Int64N(int64(span)+1))
}
