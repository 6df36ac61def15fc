package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
)

// Logger wraps slog.Logger with ebusd-go-specific functionality: structured
// logging with default fields and level-based filtering. Safe for
// concurrent use from multiple goroutines. Satisfies bus.Logger and
// protocol's implicit logging surface directly, since slog.Logger already
// exposes Debug/Info/Warn/Error(msg string, args ...any).
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a Logger from the daemon's logging configuration. The
// level is held in a slog.LevelVar so it can be changed at runtime via
// SetLevel without rebuilding the handler.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	level := &slog.LevelVar{}
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "ebusd-go"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler), level: level}
}

// SetLevel changes the active log level at runtime. Unrecognized names
// are rejected rather than silently defaulting, since this is driven by
// the "log LEVEL" command.
func (l *Logger) SetLevel(name string) error {
	lvl, ok := levelFor(name)
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	if l.level == nil {
		return fmt.Errorf("logger was not constructed with New, level is fixed")
	}
	l.level.Set(lvl)
	return nil
}

func levelFor(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// parseLevel converts a string log level to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	lvl, ok := levelFor(level)
	if !ok {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a new Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Notice logs at the eBUS "notice" level (spec.md §4.6 "log at notice
// level"), mapped onto slog.Info since log/slog has no built-in NOTICE
// level, tagged so a downstream handler can still distinguish it.
func (l *Logger) Notice(msg string, args ...any) {
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, append(slogAttrs(args), slog.Bool("notice", true))...)
}

func slogAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}

// Default creates a default logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
