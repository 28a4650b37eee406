package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig configures log-file rotation via lumberjack. The zero value
// disables rotation entirely (Setup then writes to stdout only).
type RotationConfig struct {
	// Path is the log file to write to. Empty disables rotation.
	Path string
	// MaxSizeMB is the size a log file reaches before it is rotated.
	MaxSizeMB int
	// MaxBackups is how many rotated files are retained.
	MaxBackups int
	// MaxAgeDays is how long a rotated file is retained, in days.
	MaxAgeDays int
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	return setup(service, env, os.Stdout)
}

// SetupRotating behaves like Setup but additionally writes every log line to
// a lumberjack-managed rotating file on disk, fanning out to stdout at the
// same time so a foreground operator still sees output. A zero-value
// rotate.Path falls back to stdout-only, identical to Setup.
func SetupRotating(service, env string, rotate RotationConfig) *slog.Logger {
	if strings.TrimSpace(rotate.Path) == "" {
		return Setup(service, env)
	}
	maxSize := rotate.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := rotate.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := rotate.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 28
	}
	rotatingFile := &lumberjack.Logger{
		Filename:   rotate.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
	return setup(service, env, io.MultiWriter(os.Stdout, rotatingFile))
}

func setup(service, env string, out io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
