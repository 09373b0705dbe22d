package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "vdchost"

// Logger wraps slog.Logger so components can share one configured handler.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from the logging section of the configuration.
//
// JSON is the default format; "text" is meant for development. Every entry
// carries the service name and the build version.
//
// Parameters:
//   - cfg: level (debug, info, warn, error), format (json, text) and
//     output (stdout, stderr)
//   - version: build version attached to every entry
//
// Returns:
//   - *Logger: ready for use; unknown levels fall back to info
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, outputFor(cfg.Output))
}

// NewWithWriter is New with an explicit destination, used by tests and by
// callers that want logs in a buffer.
//
// Parameters:
//   - cfg: level and format; Output is ignored
//   - version: build version attached to every entry
//   - w: destination for encoded entries
//
// Returns:
//   - *Logger: ready for use
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

func outputFor(output string) io.Writer {
	if strings.ToLower(output) == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel converts a string log level to slog.Level.
// Unrecognised values fall back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child Logger with additional default attributes.
//
//	srvLog := logger.With("component", "server")
//	srvLog.Info("listening") // includes component=server
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default creates a logger for use before configuration is loaded.
// It writes JSON at info level to stdout.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
