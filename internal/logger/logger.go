// Package logger carries the structured logger that follows a generation
// from the CLI or HTTP handler down to individual backend calls. Callers
// scope it with correlation ids (request_id, generation_id, item) and pass
// it along in the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging surface used across stepwise.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	*slog.Logger
}

func New(handler slog.Handler) Logger {
	return &SlogLogger{Logger: slog.New(handler)}
}

// Default is used when no logger travels in the context.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

// JSON suits collected server logs.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

// Pretty suits an interactive terminal.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

// Text is the plain slog text handler, for piped output.
func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Output formats accepted by NewWithFormat.
const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
	FormatText   = "text"
)

// NewWithFormat picks a handler by name. An empty format means pretty.
func NewWithFormat(format string, w io.Writer, level slog.Level) (Logger, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatPretty:
		return Pretty(w, level), nil
	case FormatJSON:
		return JSON(w, level), nil
	case FormatText:
		return Text(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected pretty, json or text)", format)
	}
}

type loggerKey struct{}

// FromContext returns the context logger, or Default when there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Scoped adds attrs to the context logger and stores the result back, so
// everything below ctx logs under the same ids.
func Scoped(ctx context.Context, args ...any) (context.Context, Logger) {
	l := FromContext(ctx).With(args...)
	return WithContext(ctx, l), l
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{Logger: l.Logger.With(args...)}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel accepts debug, info, warn/warning and error in any case, plus
// slog offsets such as "debug+2". Anything else is info.
func ParseLevel(level string) slog.Level {
	s := strings.ToLower(strings.TrimSpace(level))
	if s == "warning" {
		return slog.LevelWarn
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lv
}
