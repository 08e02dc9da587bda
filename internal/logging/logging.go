// Package logging provides category-scoped convenience wrappers around log/slog.
// All logging goes through this package so categories stay consistent.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Category constants for consistent logging categories.
const (
	CategoryApp      = "App"
	CategorySession  = "Session"
	CategoryCapture  = "Capture"
	CategoryCodec    = "Codec"
	CategoryDispatch = "Dispatch"
	CategoryCaptions = "Captions"
	CategoryRelay    = "Relay"
	CategoryLiveKit  = "LiveKit"
	CategoryPlayback = "Playback"
	CategoryStatus   = "Status"
)

// Custom levels for the success and catastrophe severities.
const (
	levelSuccess     = slog.Level(2)
	levelCatastrophe = slog.Level(12)
)

// Options configures the logger built by Init.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	closer io.Closer
)

// Init initializes logging with default configuration.
func Init() {
	InitWith(Options{Level: "info", Format: "text"})
}

// InitWith initializes logging with explicit options.
func InitWith(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			switch a.Value.Any().(slog.Level) {
			case levelSuccess:
				a.Value = slog.StringValue("SUCCESS")
			case levelCatastrophe:
				a.Value = slog.StringValue("CATASTROPHE")
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	mu.Lock()
	logger = slog.New(handler)
	if c, ok := out.(io.Closer); ok && out != os.Stderr && out != os.Stdout {
		closer = c
	}
	mu.Unlock()
}

// ParseLevel maps a textual level to a slog level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

// Shutdown gracefully shuts down logging.
func Shutdown(ctx context.Context) {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
}

// Logger returns the underlying slog logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func log(level slog.Level, category, msg string, params ...interface{}) {
	l := Logger()
	if !l.Enabled(context.Background(), level) {
		return
	}
	if len(params) > 0 {
		msg = fmt.Sprintf(msg, params...)
	}
	l.Log(context.Background(), level, msg, "category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	log(slog.LevelDebug, category, msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	log(slog.LevelInfo, category, msg, params...)
}

// Success logs a success message.
func Success(category, msg string, params ...interface{}) {
	log(levelSuccess, category, msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	log(slog.LevelWarn, category, msg, params...)
}

// Fail logs a failure message.
func Fail(category, msg string, params ...interface{}) {
	log(slog.LevelError, category, msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	log(slog.LevelError, category, msg, params...)
}

// Catastrophe logs a catastrophe message.
func Catastrophe(category, msg string, params ...interface{}) {
	log(levelCatastrophe, category, msg, params...)
}
