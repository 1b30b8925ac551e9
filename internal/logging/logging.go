// Package logging configures structured logging with optional Sentry
// forwarding of error records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	Format    string // "text" (default) or "json"
	SentryDSN string
	Env       string
	Version   string
	LogFile   string // empty logs to Output
	AddSource bool

	// Output receives log lines when LogFile is empty (default: stderr).
	Output io.Writer
}

// Logger wraps slog.Logger with its Sentry state and log file.
type Logger struct {
	*slog.Logger
	sentryEnabled bool
	logFile       *os.File
}

var defaultLogger *Logger

// ParseLevel accepts debug, info, warn/warning and error, ignoring case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Init builds the process logger and installs it as slog's default.
func Init(cfg Config) (*Logger, error) {
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     cfg.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		sentryEnabled = true
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	var logFile *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		logFile = f
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
				}
			}
			return a
		},
	}
	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		base = slog.NewTextHandler(output, opts)
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	defaultLogger = &Logger{
		Logger:        slog.New(&sentryHandler{Handler: base, sentryEnabled: sentryEnabled}),
		sentryEnabled: sentryEnabled,
		logFile:       logFile,
	}
	slog.SetDefault(defaultLogger.Logger)
	return defaultLogger, nil
}

// Flush sends buffered Sentry events and closes the log file. Call before
// shutdown.
func Flush(timeout time.Duration) {
	if defaultLogger == nil {
		return
	}
	if defaultLogger.sentryEnabled {
		sentry.Flush(timeout)
	}
	if defaultLogger.logFile != nil {
		defaultLogger.logFile.Sync()
		defaultLogger.logFile.Close()
		defaultLogger.logFile = nil
	}
}

// Default returns the process logger, or slog's default before Init.
func Default() *Logger {
	if defaultLogger == nil {
		return &Logger{Logger: slog.Default()}
	}
	return defaultLogger
}

// CaptureError logs err and reports it to Sentry with ctx as extras.
func CaptureError(err error, ctx ...any) {
	l := Default()
	if l.sentryEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			for i := 0; i < len(ctx)-1; i += 2 {
				if key, ok := ctx[i].(string); ok {
					scope.SetExtra(key, ctx[i+1])
				}
			}
			sentry.CaptureException(err)
		})
	}
	// logged below the Sentry handler so the error is reported once
	logger := l.Logger
	if h, ok := logger.Handler().(*sentryHandler); ok {
		logger = slog.New(h.Handler)
	}
	logger.Error("captured error", append([]any{"error", err}, ctx...)...)
}

// sentryHandler wraps an slog.Handler and sends error records to Sentry.
// attrs accumulates WithAttrs so events carry the logger's context.
type sentryHandler struct {
	slog.Handler
	sentryEnabled bool
	attrs         []slog.Attr
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	if h.sentryEnabled && r.Level >= slog.LevelError {
		sentry.CaptureEvent(toSentryEvent(r, h.attrs))
	}
	return nil
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{
		Handler:       h.Handler.WithAttrs(attrs),
		sentryEnabled: h.sentryEnabled,
		attrs:         append(slices.Clip(h.attrs), attrs...),
	}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithGroup(name), sentryEnabled: h.sentryEnabled, attrs: h.attrs}
}

// toSentryEvent converts a record; the logger's attributes and the
// record's become extras, and the call site a one-frame stack trace.
func toSentryEvent(r slog.Record, attrs []slog.Attr) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = sentryLevel(r.Level)
	event.Message = r.Message
	event.Timestamp = r.Time
	for _, a := range attrs {
		event.Extra[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		event.Extra[a.Key] = a.Value.Resolve().Any()
		return true
	})
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		event.Exception = []sentry.Exception{{
			Type:  "LogError",
			Value: r.Message,
			Stacktrace: &sentry.Stacktrace{
				Frames: []sentry.Frame{{Filename: frame.File, Function: frame.Function, Lineno: frame.Line}},
			},
		}}
	}
	return event
}

func sentryLevel(level slog.Level) sentry.Level {
	switch {
	case level >= slog.LevelError:
		return sentry.LevelError
	case level >= slog.LevelWarn:
		return sentry.LevelWarning
	case level >= slog.LevelInfo:
		return sentry.LevelInfo
	default:
		return sentry.LevelDebug
	}
}
