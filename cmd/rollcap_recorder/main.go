// rollcap_recorder drives a small robot with random motion commands while it
// records IMU samples and timestamp-overlaid camera frames into a run
// directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/logging"
	intOtel "github.com/rollcap/recorder/internal/otel"
	"github.com/rollcap/recorder/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version and BuildDate can be set at build time via ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// ExtensionName prefixes the log file name.
const ExtensionName = "rollcap_recorder"

var (
	// SlogManager handles all slog-based logging
	SlogManager = logging.NewSlogManager()

	// Logger is the slog logger (convenience reference)
	Logger = slog.Default()

	// StoreLogger is handed to the zerolog-based storage adapters
	StoreLogger = zerolog.Nop()

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	// SessionContext carries the current session into every log record
	SessionContext = session.NewContext()

	LogFile     *os.File
	LogFilePath string

	ProcessStart = time.Now()
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	shutdownTelemetry()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// errReported marks errors already logged by the command.
var errReported = errors.New("reported")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   ExtensionName,
		Short: "Synchronized robot motion, IMU and video capture",
		Long: `rollcap_recorder runs recording sessions: it drives the robot with random
motion commands, samples the IMU and grabs camera frames at fixed rates, and
persists everything into a timestamped run directory.`,
		Version:           fmt.Sprintf("%s (built %s)", Version, BuildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	flags := root.PersistentFlags()
	flags.String("config-dir", ".", "directory holding "+config.FileName)
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatText, "log format (text, json)")
	flags.String("logs-dir", "./logs", "directory for log files")
	flags.Bool("console", true, "also log to stdout when a log file is open")
	mustBind("logLevel", flags.Lookup("log-level"))
	mustBind("logFormat", flags.Lookup("log-format"))
	mustBind("logsDir", flags.Lookup("logs-dir"))
	mustBind("logConsole", flags.Lookup("console"))

	root.AddCommand(
		newRecordCmd(),
		newProbeDeviceCmd(),
		newProbeCameraCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads the config and builds the loggers before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	configDir, _ := cmd.Flags().GetString("config-dir")
	cfgErr := config.Load(configDir)
	if cfgErr != nil && !errors.Is(cfgErr, config.ErrNotFound) {
		return cfgErr
	}

	setupLogging()
	if cfgErr != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", cfgErr)
	} else {
		Logger.Info("Loaded config", "file", viper.ConfigFileUsed())
	}
	return nil
}

func setupLogging() {
	level := viper.GetString("logLevel")
	logsDir := viper.GetString("logsDir")

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logs directory: %v\n", err)
	} else {
		LogFilePath = logging.LogFilePath(logsDir, ExtensionName, ProcessStart)
		if _, err := os.Stat(LogFilePath); err == nil {
			os.Rename(LogFilePath, LogFilePath+".old")
		}
		LogFile, err = os.OpenFile(LogFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log file: %v\n", err)
			LogFile = nil
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled && LogFile != nil {
		var err error
		OTelProvider, err = intOtel.New(intOtel.Config{
			Enabled:        otelCfg.Enabled,
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: Version,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      LogFile,
			MetricWriter:   LogFile,
			MetricInterval: otelCfg.MetricInterval,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize OTel provider: %v\n", err)
			OTelProvider = nil
		}
	}

	opts := logging.Options{
		Console: viper.GetBool("logConsole"),
		Level:   level,
		Format:  viper.GetString("logFormat"),
		Session: SessionContext,
	}
	var storeOut io.Writer = os.Stdout
	if LogFile != nil {
		opts.File = LogFile
		storeOut = LogFile
	}
	if OTelProvider != nil {
		opts.Provider = OTelProvider.LoggerProvider()
	}
	SlogManager.Setup(opts)
	Logger = SlogManager.Logger()
	slog.SetDefault(Logger)
	StoreLogger = logging.NewZerolog(storeOut, level, "storage")

	if LogFile != nil {
		Logger.Info("Logging to file", "path", filepath.Clean(LogFilePath))
	}
	if OTelProvider != nil {
		Logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
	}
}

func shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SlogManager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to flush logs: %v\n", err)
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to shut down OTel: %v\n", err)
		}
	}
	if LogFile != nil {
		LogFile.Close()
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the recorder version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (built %s)\n", ExtensionName, Version, BuildDate)
		},
	}
}
