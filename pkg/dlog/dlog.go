// Package dlog is the debug logger used across echidna.
//
// It wraps log/slog with the four severities the matcher reports (Info,
// Notice, Warning, Error) and a coloured console handler. Output is gated by
// a process-wide switch read once from the ECHIDNA_DLOG environment variable.
package dlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvToggle is the environment variable that enables debug logging.
const EnvToggle = "ECHIDNA_DLOG"

// Severities. Notice sits between Info and Warning.
const (
	LevelInfo    = slog.LevelInfo
	LevelNotice  = slog.Level(2)
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// Format is the output format for log lines.
type Format string

const (
	// FormatConsole writes coloured "<Severity>: message" lines.
	FormatConsole Format = "console"
	// FormatText writes slog key=value lines.
	FormatText Format = "text"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
)

// Config contains configuration for a Logger.
type Config struct {
	// Enabled turns logging on. A disabled logger discards everything.
	Enabled bool

	// Level is the minimum severity ("info", "notice", "warning", "error").
	// Empty means info.
	Level string

	// Format is the output format ("console", "text", "json"). Empty means console.
	Format string

	// Writer is the output writer (defaults to os.Stdout).
	Writer io.Writer
}

// Logger is a slog.Logger with the Notice severity and an enable switch.
type Logger struct {
	*slog.Logger
	enabled bool
}

// New creates a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}

	if !cfg.Enabled {
		return Discard(), nil
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameLevel,
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	case FormatText:
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = newConsoleHandler(writer, level)
	}

	return &Logger{Logger: slog.New(handler), enabled: true}, nil
}

// Discard returns a disabled Logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

var fromEnv = sync.OnceValue(func() *Logger {
	return loadFromEnv(os.Getenv)
})

// FromEnv returns the process-wide Logger configured from EnvToggle.
// The variable is read on first use only.
func FromEnv() *Logger {
	return fromEnv()
}

func loadFromEnv(getenv func(string) string) *Logger {
	enabled, _ := ParseBool(getenv(EnvToggle))
	l, err := New(Config{Enabled: enabled})
	if err != nil {
		return Discard()
	}
	return l
}

// ParseBool parses the toggle spellings accepted by EnvToggle: true/false,
// yes/no, 1/0, y/n and t/f, case-insensitively. ok is false for anything
// else, in which case value is false.
func ParseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "y", "t":
		return true, true
	case "false", "no", "0", "n", "f":
		return false, true
	default:
		return false, false
	}
}

// Enabled reports whether the logger writes anything.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Notice logs at LevelNotice.
func (l *Logger) Notice(msg string, args ...any) {
	l.Log(context.Background(), LevelNotice, msg, args...)
}

// Warning logs at LevelWarning.
func (l *Logger) Warning(msg string, args ...any) {
	l.Warn(msg, args...)
}

// With returns a Logger that includes args in every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), enabled: l.enabled}
}

// LevelName returns the display name of a severity.
func LevelName(level slog.Level) string {
	switch {
	case level >= LevelError:
		return "Error"
	case level >= LevelWarning:
		return "Warning"
	case level >= LevelNotice:
		return "Notice"
	default:
		return "Info"
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

func parseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatConsole:
		return FormatConsole, nil
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// renameLevel prints Notice by name instead of slog's "INFO+2".
func renameLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}
