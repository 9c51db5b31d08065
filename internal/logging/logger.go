package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, false, defaultLevel())
)

func defaultLevel() string {
	if os.Getenv("DEBUG") == "true" {
		return "debug"
	}
	return "info"
}

func newLogger(w io.Writer, jsonOut bool, level string) zerolog.Logger {
	out := w
	if !jsonOut {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Configure replaces the process logger. jsonOut switches from the console
// format to one JSON object per line.
func Configure(w io.Writer, jsonOut bool, level string) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, jsonOut, level)
}

func get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	get().Info().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Debug logs a debug message (only shown at debug level)
func Debug(subsystem, format string, args ...any) {
	l := get()
	if l.GetLevel() > zerolog.DebugLevel {
		return
	}
	l.Debug().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Warn logs a recoverable problem.
func Warn(subsystem, format string, args ...any) {
	get().Warn().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Error logs a failure that was reported to the caller.
func Error(subsystem string, err error, format string, args ...any) {
	get().Error().Err(err).Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
