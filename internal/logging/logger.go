// Package logging provides the minimal printf-style logging contract used by
// every maestro component, plus the default file-backed implementation.
//
// The operator channel owns stdout, so log output goes to a debug log file
// and optionally stderr. Components receive a Logger and never write to
// stdout themselves.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	sinkOnce sync.Once
	sink     *fileSink
)

type fileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
	stderr bool
}

func getSink() *fileSink {
	sinkOnce.Do(func() {
		sink = &fileSink{level: LevelInfo}
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		path := filepath.Join(home, "maestro-debug.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		sink.file = file
		sink.logger = log.New(file, "", 0)
	})
	return sink
}

// SetLevel sets the minimum level emitted by all component loggers.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// MirrorStderr additionally copies log lines to stderr. Useful when the
// operator channel is detached (tests, `maestro version`).
func MirrorStderr(enabled bool) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr = enabled
}

func (s *fileSink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		levelString(level), component, fmt.Sprintf(format, args...))
	if s.logger != nil {
		s.logger.Print(line)
	}
	if s.stderr {
		fmt.Fprintln(os.Stderr, line)
	}
}

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	getSink().write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	getSink().write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	getSink().write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	getSink().write(LevelError, l.component, format, args...)
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch raw {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
