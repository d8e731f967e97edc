package capture

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() Option {
	return WithRand(rand.New(rand.NewPCG(1, 2)))
}

func cancelAfterSends(n int, cancel context.CancelFunc) func(int) {
	return func(sent int) {
		if sent == n {
			cancel()
		}
	}
}

func TestMovementConfig_Defaults(t *testing.T) {
	cfg := MovementConfig{MinSpeed: 300, MinHold: time.Second}.withDefaults()
	assert.Equal(t, 255, cfg.MaxSpeed)
	assert.Equal(t, 255, cfg.MinSpeed)
	assert.Equal(t, time.Second, cfg.MaxHold)
	assert.Equal(t, 10, cfg.MaxConsecutiveErrors)
	assert.Equal(t, 30, cfg.RecoverySpeed)
}

func TestMovement_HoldsCommandUntilExpiry(t *testing.T) {
	clock := timeutil.NewAutoClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	robot := &fakeRobot{onSend: cancelAfterSends(6, cancel)}

	cfg := MovementConfig{Hz: 10, MinSpeed: 50, MaxSpeed: 200, MinHold: 300 * time.Millisecond, MaxHold: 300 * time.Millisecond}
	m, err := NewMovementController(robot, cfg, WithClock(clock), seeded())
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	sent := robot.sent()
	require.Len(t, sent, 6)
	for i := 1; i < 3; i++ {
		assert.Equal(t, sent[0].Speed, sent[i].Speed)
		assert.Equal(t, sent[0].Heading, sent[i].Heading)
		assert.Equal(t, sent[0].Reverse, sent[i].Reverse)
	}
	for i, cmd := range sent {
		assert.Equal(t, epoch.Add(time.Duration(i)*100*time.Millisecond), cmd.IssuedAt)
	}
	assert.Equal(t, uint64(6), m.Commands())
	assert.Zero(t, m.Failures())
	assert.Equal(t, sent[5].Heading, m.Current().Heading)
}

func TestMovement_RandomCommandsStayInRange(t *testing.T) {
	clock := timeutil.NewAutoClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	robot := &fakeRobot{onSend: cancelAfterSends(200, cancel)}

	cfg := MovementConfig{Hz: 20, MinSpeed: 40, MaxSpeed: 90, ReverseChance: 0.5}
	m, err := NewMovementController(robot, cfg, WithClock(clock), seeded())
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	reverse := 0
	for _, cmd := range robot.sent() {
		assert.GreaterOrEqual(t, cmd.Speed, 40)
		assert.LessOrEqual(t, cmd.Speed, 90)
		assert.GreaterOrEqual(t, cmd.Heading, 0)
		assert.Less(t, cmd.Heading, 360)
		if cmd.Reverse {
			reverse++
		}
	}
	assert.InDelta(t, 100, reverse, 30)
}

func TestMovement_RecoveryAfterConsecutiveFailures(t *testing.T) {
	clock := timeutil.NewAutoClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	robot := &fakeRobot{
		failSend: func(n int) error {
			if n <= 3 {
				return device.ErrProtocol
			}
			return nil
		},
		onSend: cancelAfterSends(5, cancel),
	}

	cfg := MovementConfig{Hz: 10, MinSpeed: 100, MaxSpeed: 200, MaxConsecutiveErrors: 3, RecoverySpeed: 25}
	m, err := NewMovementController(robot, cfg, WithClock(clock), seeded())
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	sent := robot.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 25, sent[0].Speed)
	assert.Equal(t, uint64(3), m.Failures())
	assert.Equal(t, uint64(1), m.Recoveries())
	assert.Equal(t, uint64(2), m.Commands())
	assert.Equal(t, uint64(3), m.Stats().Failures)
}

func TestMovement_DisconnectIsFatal(t *testing.T) {
	clock := timeutil.NewAutoClock(epoch)
	robot := &fakeRobot{failSend: func(n int) error {
		if n == 2 {
			return device.ErrDisconnected
		}
		return nil
	}}

	m, err := NewMovementController(robot, MovementConfig{Hz: 10}, WithClock(clock), seeded())
	require.NoError(t, err)
	err = m.Run(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.ErrorIs(t, err, device.ErrDisconnected)
	assert.Equal(t, uint64(1), m.Commands())
	assert.Equal(t, uint64(1), m.Failures())
}

func TestMovement_ParksOncePerCollectPhase(t *testing.T) {
	clock := timeutil.NewAutoClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	robot := &fakeRobot{onSend: cancelAfterSends(4, cancel)}
	ts := &TimeShare{Start: epoch, MoveTime: 200 * time.Millisecond, CollectTime: 200 * time.Millisecond}

	cfg := MovementConfig{Hz: 10, MinSpeed: 60, MaxSpeed: 120, MinHold: time.Second, MaxHold: time.Second}
	m, err := NewMovementController(robot, cfg, WithClock(clock), WithTimeShare(ts), seeded())
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	sent := robot.sent()
	require.Len(t, sent, 4)
	assert.Positive(t, sent[0].Speed)
	assert.Positive(t, sent[1].Speed)

	assert.Zero(t, sent[2].Speed)
	assert.Equal(t, sent[1].Heading, sent[2].Heading)
	assert.Equal(t, epoch.Add(200*time.Millisecond), sent[2].IssuedAt)

	// the tick at 300ms sends nothing; driving resumes at 400ms
	assert.Positive(t, sent[3].Speed)
	assert.Equal(t, epoch.Add(400*time.Millisecond), sent[3].IssuedAt)
}

func TestTimeShare_PhaseAt(t *testing.T) {
	ts := &TimeShare{Start: epoch, MoveTime: 2 * time.Second, CollectTime: time.Second}
	tests := []struct {
		offset time.Duration
		want   Phase
	}{
		{-time.Second, PhaseMove},
		{0, PhaseMove},
		{1999 * time.Millisecond, PhaseMove},
		{2 * time.Second, PhaseCollect},
		{2999 * time.Millisecond, PhaseCollect},
		{3 * time.Second, PhaseMove},
		{5500 * time.Millisecond, PhaseCollect},
	}
	for _, tt := range tests {
		t.Run(tt.offset.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ts.PhaseAt(epoch.Add(tt.offset)))
		})
	}

	assert.True(t, (&TimeShare{}).Moving(epoch))
	assert.Equal(t, "collect", PhaseCollect.String())
	assert.Equal(t, "move", PhaseMove.String())
}
