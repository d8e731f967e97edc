package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName identifies the recorder in OTel log records.
const ServiceName = "rollcap-recorder"

// osStdout is the console writer, replaced in tests.
var osStdout io.Writer = os.Stdout

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures SlogManager.Setup.
type Options struct {
	// File receives every record. When nil, records go to the console.
	File io.Writer
	// Console also writes to stdout when File is set.
	Console bool
	Level   string
	Format  string
	// Provider enables the OTel bridge when non-nil.
	Provider *sdklog.LoggerProvider
	// Session tags every record with the current session when set.
	Session SessionSource
}

// SlogManager manages slog-based logging with optional OTel integration.
type SlogManager struct {
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// ParseLevel converts a string log level to slog.Level. Unknown levels map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup builds the logger: console and/or file output, optional OTel bridge,
// and the session tagging wrapper. Calling Setup again replaces the logger.
func (m *SlogManager) Setup(opts Options) {
	lvl := ParseLevel(opts.Level)
	m.logProvider = opts.Provider

	// RFC3339 UTC timestamps with milliseconds
	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if opts.File == nil || opts.Console {
		handlers = append(handlers, newHandler(osStdout, opts.Format, handlerOpts))
	}
	if opts.File != nil {
		handlers = append(handlers, newHandler(opts.File, opts.Format, handlerOpts))
	}
	if opts.Provider != nil {
		handlers = append(handlers, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(opts.Provider)))
	}

	handler := Tee(handlers...)
	if opts.Session != nil {
		handler = newSessionHandler(handler, opts.Session)
	}

	m.logger = slog.New(handler)
	m.logger.Debug("Logging initialized", "level", lvl.String(), "format", opts.Format)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
