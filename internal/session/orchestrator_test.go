package session

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/camera"
	"github.com/rollcap/recorder/internal/capture"
	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/monitor"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/internal/storage/memory"
	"github.com/rollcap/recorder/internal/storage/rundir"
	"github.com/rollcap/recorder/internal/video"
	"github.com/rollcap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		OutputDir:      dir,
		MaxDuration:    1500 * time.Millisecond,
		JoinTimeout:    2 * time.Second,
		StatusInterval: 500 * time.Millisecond,
		SensorHz:       20,
		VideoFps:       10,
		Movement: capture.MovementConfig{
			Hz:       10,
			MinSpeed: 40,
			MaxSpeed: 120,
			MinHold:  200 * time.Millisecond,
			MaxHold:  400 * time.Millisecond,
		},
		MovementEnabled: true,
		MovementMode:    ModeContinuous,
		Transport:       "simulated",
		Device:          "simulated",
		Camera:          camera.TypeSynthetic,
		Version:         "test",
	}
}

func testDeps(sim device.SimulatedConfig) (Dependencies, *device.Simulated) {
	robot := device.NewSimulated(sim, nil)
	return Dependencies{
		OpenDevice: func(context.Context) (device.Pair, error) {
			return device.Pair{Motion: robot, IMU: robot}, nil
		},
		OpenCamera: func(context.Context) (camera.Source, error) {
			return camera.NewSynthetic(camera.Config{Width: 160, Height: 120}, nil), nil
		},
		OpenVideo: func(runDir string) (video.Sink, error) {
			return video.New(video.Config{Encoder: video.EncoderMJPEG}, runDir)
		},
	}, robot
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[1:]
}

func TestRun_DurationElapsed(t *testing.T) {
	dir := t.TempDir()
	deps, robot := testDeps(device.SimulatedConfig{Seed: 7})
	var mirror *memory.Backend
	deps.Mirrors = func(runDir string) []storage.Backend {
		mirror = memory.New(config.MemoryConfig{Enabled: true}, runDir)
		return []storage.Backend{mirror}
	}
	cfg := testConfig(dir)
	cfg.MaxDuration = 2 * time.Second

	o := New(cfg, deps)
	meta, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, StateStopped, o.State())
	assert.Equal(t, core.TerminationDurationElapsed, meta.TerminationReason)
	assert.NotEmpty(t, meta.ID)
	assert.InEpsilon(t, 2.0, meta.DurationSeconds, 0.10)
	assert.InEpsilon(t, 40, float64(meta.Counts.Samples), 0.10)
	assert.InEpsilon(t, 20, float64(meta.Counts.Frames), 0.10)
	assert.Positive(t, meta.Counts.Commands)
	assert.Zero(t, meta.Failures.Dropped)
	assert.Equal(t, "video.mjpeg", meta.VideoFile)
	assert.False(t, robot.Awake())

	samples := readCSV(t, filepath.Join(meta.RunDirectory, rundir.SensorFile))
	frames := readCSV(t, filepath.Join(meta.RunDirectory, rundir.FrameFile))
	assert.Len(t, samples, int(meta.Counts.Samples))
	assert.Len(t, frames, int(meta.Counts.Frames))

	// relative timestamps fall inside [StartedAt, EndedAt] and never go back
	window := meta.EndedAt.Sub(meta.StartedAt).Seconds()
	checkTimestamps := func(rows [][]string, col int) {
		t.Helper()
		prev := -1.0
		for _, row := range rows {
			ts, err := strconv.ParseFloat(row[col], 64)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, ts, 0.0)
			assert.LessOrEqual(t, ts, window)
			assert.GreaterOrEqual(t, ts, prev)
			prev = ts
		}
	}
	checkTimestamps(samples, 0)
	checkTimestamps(frames, 1)
	for i, row := range frames {
		assert.Equal(t, strconv.Itoa(i), row[0])
	}

	data, err := os.ReadFile(filepath.Join(meta.RunDirectory, rundir.MetadataFile))
	require.NoError(t, err)
	var written core.SessionMetadata
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, meta.ID, written.ID)
	assert.Equal(t, meta.Counts, written.Counts)

	// status.json lives with the run it describes
	assert.FileExists(t, filepath.Join(meta.RunDirectory, monitor.StatusFile))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(meta.RunDirectory), entries[0].Name())

	require.NotNil(t, mirror)
	ms, mf := mirror.Len()
	assert.Equal(t, int(meta.Counts.Samples), ms)
	assert.Equal(t, int(meta.Counts.Frames), mf)
	assert.FileExists(t, mirror.ExportedFilePath())
}

func TestRun_Interrupted(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{Seed: 1})
	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(400*time.Millisecond, cancel)

	meta, err := New(cfg, deps).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.TerminationInterrupted, meta.TerminationReason)
	assert.Positive(t, meta.Counts.Samples)
}

func TestRun_DeviceDisconnected(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{Seed: 3, DisconnectAfter: 15})
	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 10 * time.Second

	meta, err := New(cfg, deps).Run(context.Background())
	require.ErrorIs(t, err, device.ErrDisconnected)
	require.NotNil(t, meta)
	assert.Equal(t, core.TerminationDeviceDisconnected, meta.TerminationReason)
	assert.Less(t, meta.DurationSeconds, 5.0)

	_, err = os.Stat(filepath.Join(meta.RunDirectory, rundir.MetadataFile))
	assert.NoError(t, err)
}

func TestRun_Alternating(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{Seed: 5})
	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 1200 * time.Millisecond
	cfg.MovementMode = ModeAlternating
	cfg.MoveTime = 300 * time.Millisecond
	cfg.CollectTime = 300 * time.Millisecond

	meta, err := New(cfg, deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeAlternating, meta.MovementMode)
	// sampling is paused while moving
	assert.Less(t, meta.Counts.Samples, uint64(20))
	assert.Positive(t, meta.Counts.Samples)
	assert.Positive(t, meta.Counts.Commands)
}

func TestRun_MovementDisabled(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{Seed: 9})
	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 500 * time.Millisecond
	cfg.MovementEnabled = false

	meta, err := New(cfg, deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled", meta.MovementMode)
	assert.Zero(t, meta.Counts.Commands)
	assert.Zero(t, meta.TargetFrequencies.Movement)
}

func TestRun_DeviceInitFailure(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{})
	deps.OpenDevice = func(context.Context) (device.Pair, error) {
		return device.Pair{}, errors.New("no such port")
	}
	o := New(testConfig(t.TempDir()), deps)
	meta, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeviceInit)
	assert.Nil(t, meta)
	assert.Equal(t, StateStopped, o.State())
}

func TestRun_CameraInitFailure(t *testing.T) {
	deps, robot := testDeps(device.SimulatedConfig{})
	deps.OpenCamera = func(context.Context) (camera.Source, error) {
		return nil, errors.New("connection refused")
	}
	_, err := New(testConfig(t.TempDir()), deps).Run(context.Background())
	assert.ErrorIs(t, err, ErrCameraInit)

	// the device was released
	assert.ErrorIs(t, robot.SendMotion(context.Background(), core.MotionCommand{}), device.ErrDisconnected)
}

func TestRun_OnlyOnce(t *testing.T) {
	deps, _ := testDeps(device.SimulatedConfig{})
	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 200 * time.Millisecond

	o := New(cfg, deps)
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRun_WakeFailureReleasesDevice(t *testing.T) {
	deps, robot := testDeps(device.SimulatedConfig{})
	require.NoError(t, robot.Close())
	cameraOpened := false
	deps.OpenCamera = func(context.Context) (camera.Source, error) {
		cameraOpened = true
		return camera.NewSynthetic(camera.Config{Width: 16, Height: 16}, nil), nil
	}

	o := New(testConfig(t.TempDir()), deps)
	meta, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeviceInit)
	assert.Nil(t, meta)
	assert.False(t, cameraOpened)
	assert.Equal(t, StateStopped, o.State())
}

func TestRun_VideoFailureReleasesDeviceAndCamera(t *testing.T) {
	deps, robot := testDeps(device.SimulatedConfig{})
	var cam *closeTracker
	deps.OpenCamera = func(context.Context) (camera.Source, error) {
		cam = &closeTracker{Source: camera.NewSynthetic(camera.Config{Width: 16, Height: 16}, nil)}
		return cam, nil
	}
	deps.OpenVideo = func(string) (video.Sink, error) {
		return nil, errors.New("disk full")
	}

	dir := t.TempDir()
	o := New(testConfig(dir), deps)
	var meta *core.SessionMetadata
	var err error
	require.NotPanics(t, func() { meta, err = o.Run(context.Background()) })
	assert.Error(t, err)
	assert.Nil(t, meta)
	assert.Zero(t, o.Dropped())

	require.NotNil(t, cam)
	assert.Equal(t, int32(1), cam.closed.Load())
	assert.ErrorIs(t, robot.SendMotion(context.Background(), core.MotionCommand{}), device.ErrDisconnected)
}

type closeTracker struct {
	camera.Source
	closed atomic.Int32
}

func (c *closeTracker) Close() error {
	c.closed.Add(1)
	return c.Source.Close()
}

// stallingIMU blocks one read until released, ignoring cancellation.
type stallingIMU struct {
	device.Adapter
	calls   atomic.Int32
	stallAt int32
	release chan struct{}
}

func (s *stallingIMU) ReadIMU(ctx context.Context) (core.ImuSample, error) {
	if s.calls.Add(1) == s.stallAt {
		<-s.release
		return core.ImuSample{AccelZ: 9.81}, nil
	}
	return s.Adapter.ReadIMU(ctx)
}

func (s *stallingIMU) Close() error { return nil }

func TestRun_ForcedJoinCountsLateRecords(t *testing.T) {
	robot := device.NewSimulated(device.SimulatedConfig{Seed: 11}, nil)
	imu := &stallingIMU{Adapter: robot, stallAt: 4, release: make(chan struct{})}
	deps, _ := testDeps(device.SimulatedConfig{})
	deps.OpenDevice = func(context.Context) (device.Pair, error) {
		return device.Pair{Motion: robot, IMU: imu}, nil
	}

	cfg := testConfig(t.TempDir())
	cfg.MaxDuration = 500 * time.Millisecond
	cfg.JoinTimeout = 100 * time.Millisecond

	o := New(cfg, deps)
	meta, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, core.TerminationDurationElapsed, meta.TerminationReason)

	samples := readCSV(t, filepath.Join(meta.RunDirectory, rundir.SensorFile))
	assert.Len(t, samples, int(meta.Counts.Samples))
	assert.Equal(t, uint64(3), meta.Counts.Samples)

	// the stalled read completes after the final drain and is rejected
	close(imu.release)
	require.Eventually(t, func() bool { return o.Dropped() == 1 }, 2*time.Second, 10*time.Millisecond)

	after := readCSV(t, filepath.Join(meta.RunDirectory, rundir.SensorFile))
	assert.Len(t, after, len(samples))
}
