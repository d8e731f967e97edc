package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rollcap/recorder/internal/camera"
	"github.com/rollcap/recorder/internal/capture"
	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/persistence"
	"github.com/rollcap/recorder/internal/session"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/rollcap/recorder/internal/video"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// forceExit is replaced in tests.
var forceExit = func() { os.Exit(1) }

func mustBind(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Errorf("bind flag %s: %w", key, err))
	}
}

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Run one recording session",
		Long: `record opens the robot and the camera, runs the movement, sensor and frame
loops until interrupted or until --duration elapses, then flushes every
buffered record and writes metadata.json into the run directory.

The first SIGINT or SIGTERM stops the session gracefully; a second one exits
immediately with status 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return record(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("output-dir", "./collected_data", "parent directory of run directories")
	flags.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	flags.Float64("sensor-hz", 20, "IMU sampling rate")
	flags.Float64("video-fps", 30, "camera frame rate")
	flags.Bool("movement", true, "drive the robot with random commands")
	flags.String("mode", session.ModeContinuous, "movement mode (continuous, alternating)")
	flags.String("device", device.TypeSimulated, "device type (serial, simulated)")
	flags.String("port", "/dev/ttyUSB0", "robot serial port")
	flags.String("transport", device.TransportShared, "device transport (shared, isolated)")
	flags.String("camera", camera.TypeSynthetic, "camera type (synthetic, mjpeg)")
	flags.String("camera-url", "", "MJPEG stream URL")

	mustBind("session.outputDir", flags.Lookup("output-dir"))
	mustBind("session.maxDuration", flags.Lookup("duration"))
	mustBind("capture.sensorHz", flags.Lookup("sensor-hz"))
	mustBind("capture.videoFps", flags.Lookup("video-fps"))
	mustBind("movement.enabled", flags.Lookup("movement"))
	mustBind("movement.mode", flags.Lookup("mode"))
	mustBind("device.type", flags.Lookup("device"))
	mustBind("device.port", flags.Lookup("port"))
	mustBind("device.transport", flags.Lookup("transport"))
	mustBind("camera.type", flags.Lookup("camera"))
	mustBind("camera.url", flags.Lookup("camera-url"))
	return cmd
}

// notifyContext cancels on the first SIGINT/SIGTERM and force-exits on the second.
func notifyContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			Logger.Warn("Signal received, stopping session", "signal", sig.String())
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigs:
			Logger.Error("Second signal received, forcing exit", "signal", sig.String())
			shutdownTelemetry()
			forceExit()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// sessionConfig assembles the orchestrator configuration from viper.
func sessionConfig() (session.Config, error) {
	sc := config.GetSessionConfig()
	cc := config.GetCaptureConfig()
	mc := config.GetMovementConfig()
	dc := config.GetDeviceConfig()
	camc := config.GetCameraConfig()
	stc := config.GetStorageConfig()

	if mc.Mode != session.ModeContinuous && mc.Mode != session.ModeAlternating {
		return session.Config{}, fmt.Errorf("unknown movement mode: %s", mc.Mode)
	}
	if cc.SensorHz <= 0 || cc.VideoFps <= 0 {
		return session.Config{}, fmt.Errorf("capture rates must be positive (sensorHz=%v videoFps=%v)", cc.SensorHz, cc.VideoFps)
	}

	return session.Config{
		OutputDir:         sc.OutputDir,
		MaxDuration:       sc.MaxDuration,
		JoinTimeout:       sc.JoinTimeout,
		StatusInterval:    sc.StatusInterval,
		BatteryInterval:   sc.BatteryInterval,
		SensorHz:          cc.SensorHz,
		VideoFps:          cc.VideoFps,
		SensorReadTimeout: cc.SensorReadTimeout,
		FrameReadTimeout:  cc.FrameReadTimeout,
		MovementEnabled:   mc.Enabled,
		MovementMode:      mc.Mode,
		MoveTime:          mc.MoveTime,
		CollectTime:       mc.CollectTime,
		Movement: capture.MovementConfig{
			Hz:                   mc.Hz,
			MinSpeed:             mc.MinSpeed,
			MaxSpeed:             mc.MaxSpeed,
			MinHold:              mc.MinHold,
			MaxHold:              mc.MaxHold,
			ReverseChance:        mc.ReverseChance,
			Jitter:               mc.Jitter,
			MaxConsecutiveErrors: mc.MaxConsecutiveErrors,
			RecoverySpeed:        mc.RecoverySpeed,
			CallTimeout:          dc.CallTimeout,
		},
		Storage: persistence.Config{
			FlushInterval:      stc.FlushInterval,
			BackupInterval:     stc.BackupInterval,
			FinalFlushAttempts: stc.FinalFlushAttempts,
		},
		Transport: dc.Transport,
		Device:    dc.Type,
		Camera:    camc.Type,
		Version:   Version,
	}, nil
}

func deviceConfig(dc config.DeviceConfig) device.Config {
	return device.Config{
		Type:      dc.Type,
		Transport: dc.Transport,
		Port:      dc.Port,
		IMUPort:   dc.IMUPort,
		Options: device.PortOptions{
			BaudRate: dc.BaudRate,
			DataBits: dc.DataBits,
			StopBits: dc.StopBits,
			Parity:   dc.Parity,
		},
		CallTimeout: dc.CallTimeout,
		Simulated: device.SimulatedConfig{
			Latency:         dc.Simulated.Latency,
			FailEvery:       dc.Simulated.FailEvery,
			DisconnectAfter: dc.Simulated.DisconnectAfter,
			Seed:            dc.Simulated.Seed,
		},
	}
}

func cameraConfig(cc config.CameraConfig) camera.Config {
	return camera.Config{
		Type:      cc.Type,
		Width:     cc.Width,
		Height:    cc.Height,
		URL:       cc.URL,
		FailEvery: cc.FailEvery,
	}
}

// dependencies wires the real collaborators into the orchestrator.
func dependencies(clock timeutil.Clock, fps float64) session.Dependencies {
	dc := deviceConfig(config.GetDeviceConfig())
	cc := cameraConfig(config.GetCameraConfig())
	vc := config.GetVideoConfig()

	return session.Dependencies{
		OpenDevice: func(context.Context) (device.Pair, error) {
			return device.Open(dc, clock, Logger)
		},
		OpenCamera: func(ctx context.Context) (camera.Source, error) {
			return camera.Open(ctx, cc, clock, Logger)
		},
		OpenVideo: func(runDir string) (video.Sink, error) {
			return video.New(video.Config{
				Encoder:    vc.Encoder,
				Quality:    vc.Quality,
				FFmpegPath: vc.FFmpegPath,
				FPS:        fps,
			}, runDir)
		},
		Mirrors: func(runDir string) []storage.Backend {
			return buildMirrors(runDir)
		},
		Clock:   clock,
		Logger:  Logger,
		Context: SessionContext,
	}
}

func record(ctx context.Context) error {
	cfg, err := sessionConfig()
	if err != nil {
		Logger.Error("Invalid configuration", "error", err)
		return errors.Join(errReported, err)
	}

	clock := timeutil.RealClock{}
	orch := session.New(cfg, dependencies(clock, cfg.VideoFps))

	Logger.Info("Starting session",
		"version", Version,
		"outputDir", cfg.OutputDir,
		"maxDuration", cfg.MaxDuration,
		"device", cfg.Device,
		"transport", cfg.Transport,
		"camera", cfg.Camera)

	meta, err := orch.Run(ctx)
	if meta != nil {
		Logger.Info("Session finished",
			"runDirectory", meta.RunDirectory,
			"reason", meta.TerminationReason,
			"samples", humanize.Comma(int64(meta.Counts.Samples)),
			"frames", humanize.Comma(int64(meta.Counts.Frames)),
			"commands", humanize.Comma(int64(meta.Counts.Commands)),
			"failures", meta.Failures.Total())
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrDeviceInit):
			Logger.Error("Could not open the robot", "error", err)
		case errors.Is(err, session.ErrCameraInit):
			Logger.Error("Could not open the camera", "error", err)
		default:
			Logger.Error("Session ended with error", "error", err)
		}
		return errors.Join(errReported, err)
	}
	return nil
}
