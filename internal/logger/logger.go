package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging surface used across qpack. Library packages never
// log; the prepacker, the API server and the CLI take a Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// Format selects the handler used by New.
type Format string

const (
	FormatPretty Format = "pretty"
	FormatJSON   Format = "json"
	FormatText   Format = "text"
)

// ParseFormat accepts pretty, json or text, case-insensitively. Empty means
// pretty.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPretty, nil
	case FormatPretty, FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("logger: unknown format %q (want pretty, json or text)", s)
	}
}

type slogLogger struct {
	logger *slog.Logger
}

// FromHandler wraps an slog handler.
func FromHandler(handler slog.Handler) Logger {
	return &slogLogger{logger: slog.New(handler)}
}

// New builds a Logger writing to w in the given format.
func New(w io.Writer, format Format, level slog.Level) Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case FormatJSON:
		opts.AddSource = true
		return FromHandler(slog.NewJSONHandler(w, opts))
	case FormatText:
		return FromHandler(slog.NewTextHandler(w, opts))
	default:
		return FromHandler(NewPrettyHandler(w, opts))
	}
}

// Default logs at info to stderr with the text handler.
func Default() Logger {
	return New(os.Stderr, FormatText, slog.LevelInfo)
}

// Discard drops everything.
func Discard() Logger {
	return FromHandler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// FromContext returns the logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type loggerKey struct{}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

func (l *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{logger: l.logger.WithGroup(name)}
}

// ParseLevel maps debug, info, warn (or warning) and error to a level. Empty
// means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", level)
	}
}
