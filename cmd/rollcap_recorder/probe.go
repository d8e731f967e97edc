package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rollcap/recorder/internal/camera"
	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/device"
	"github.com/rollcap/recorder/internal/timeutil"
	"github.com/spf13/cobra"
)

func newProbeDeviceCmd() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "probe-device",
		Short: "Read a few IMU samples and the battery voltage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return probeDevice(ctx, cmd.OutOrStdout(), samples, timeutil.RealClock{})
		},
	}
	cmd.Flags().IntVarP(&samples, "samples", "n", 10, "number of IMU samples to read")
	return cmd
}

func probeDevice(ctx context.Context, w io.Writer, samples int, clock timeutil.Clock) error {
	dc := deviceConfig(config.GetDeviceConfig())
	pair, err := device.Open(dc, clock, Logger)
	if err != nil {
		Logger.Error("Could not open the robot", "error", err)
		return errors.Join(errReported, err)
	}
	defer pair.Close()

	if err := pair.Wake(ctx); err != nil {
		Logger.Error("Could not wake the robot", "error", err)
		return errors.Join(errReported, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := pair.Sleep(sctx); err != nil {
			Logger.Warn("Failed to put the robot to sleep", "error", err)
		}
	}()

	fmt.Fprintf(w, "device=%s transport=%s shared=%t\n", dc.Type, dc.Transport, pair.Shared())
	fmt.Fprintf(w, "%-4s %10s %10s %10s %10s %10s %10s %8s\n", "n", "accelX", "accelY", "accelZ", "gyroX", "gyroY", "gyroZ", "latency")

	var failures int
	for i := 0; i < samples; i++ {
		if ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout(dc.CallTimeout))
		begin := clock.Now()
		s, err := pair.IMU.ReadIMU(callCtx)
		cancel()
		if err != nil {
			if errors.Is(err, device.ErrDisconnected) {
				Logger.Error("Robot disconnected", "error", err)
				return errors.Join(errReported, err)
			}
			failures++
			fmt.Fprintf(w, "%-4d read failed: %v\n", i, err)
			continue
		}
		fmt.Fprintf(w, "%-4d %10.4f %10.4f %10.4f %10.4f %10.4f %10.4f %8s\n",
			i, s.AccelX, s.AccelY, s.AccelZ, s.GyroX, s.GyroY, s.GyroZ,
			clock.Since(begin).Round(time.Microsecond))
	}

	if br, ok := pair.Battery(); ok {
		v, err := br.BatteryVoltage(ctx)
		if err != nil {
			fmt.Fprintf(w, "battery: unavailable (%v)\n", err)
		} else {
			fmt.Fprintf(w, "battery: %.2f V\n", v)
		}
	}
	fmt.Fprintf(w, "failures: %d/%d\n", failures, samples)
	return nil
}

func callTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

func newProbeCameraCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "probe-camera",
		Short: "Grab frames for a while and report the achieved frame rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return probeCamera(ctx, cmd.OutOrStdout(), window, timeutil.RealClock{})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 3*time.Second, "how long to grab frames")
	return cmd
}

func probeCamera(ctx context.Context, w io.Writer, window time.Duration, clock timeutil.Clock) error {
	cc := cameraConfig(config.GetCameraConfig())
	src, err := camera.Open(ctx, cc, clock, Logger)
	if err != nil {
		Logger.Error("Could not open the camera", "error", err)
		return errors.Join(errReported, err)
	}
	defer src.Close()

	start := clock.Now()
	var frames, failures uint64
	var width, height int
	for clock.Since(start) < window && ctx.Err() == nil {
		img, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrClosed) {
				Logger.Error("Camera stream ended", "error", err)
				return errors.Join(errReported, err)
			}
			failures++
			continue
		}
		b := img.Bounds()
		width, height = b.Dx(), b.Dy()
		frames++
	}

	elapsed := clock.Since(start)
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed.Seconds()
	}
	fmt.Fprintf(w, "camera=%s resolution=%dx%d\n", cc.Type, width, height)
	fmt.Fprintf(w, "frames=%s failures=%d elapsed=%s fps=%.1f\n",
		humanize.Comma(int64(frames)), failures, elapsed.Round(time.Millisecond), fps)
	return nil
}
