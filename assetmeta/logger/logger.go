package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LogLevelSilent disables all logging
	LogLevelSilent LogLevel = iota
	// LogLevelError shows only errors
	LogLevelError
	// LogLevelWarn shows warnings and errors
	LogLevelWarn
	// LogLevelInfo shows info, warnings, and errors (verbose mode)
	LogLevelInfo
	// LogLevelDebug shows all logs including segment discovery details
	LogLevelDebug
)

var levelNames = map[LogLevel]string{
	LogLevelSilent: "silent",
	LogLevelError:  "error",
	LogLevelWarn:   "warn",
	LogLevelInfo:   "info",
	LogLevelDebug:  "debug",
}

// String returns the lower-case level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel parses a level name. Unknown names return an error and LogLevelError.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off", "none":
		return LogLevelSilent, nil
	case "error", "":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelError, fmt.Errorf("invalid log level: %s", s)
	}
}

// Logger provides leveled logging on top of charmbracelet/log
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
	out   *log.Logger
}

var defaultLogger = newLogger(os.Stderr)

func newLogger(w io.Writer) *Logger {
	out := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Prefix:          "assetmeta",
		Level:           log.DebugLevel,
	})
	return &Logger{level: LogLevelError, out: out}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	defaultLogger.mu.Lock()
	defaultLogger.level = level
	defaultLogger.mu.Unlock()
}

// GetLogLevel returns the current log level
func GetLogLevel() LogLevel {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	return defaultLogger.level
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.out.SetOutput(w)
	defaultLogger.mu.Unlock()
}

func (l *Logger) enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level != LogLevelSilent && level <= l.level
}

// log writes a log message if the level is enabled
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}

	switch level {
	case LogLevelDebug:
		l.out.Debugf(format, args...)
	case LogLevelInfo:
		l.out.Infof(format, args...)
	case LogLevelWarn:
		l.out.Warnf(format, args...)
	case LogLevelError:
		l.out.Errorf(format, args...)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LogLevelDebug, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LogLevelInfo, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LogLevelWarn, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LogLevelError, format, args...)
}
