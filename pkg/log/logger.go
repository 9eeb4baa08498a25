// Structured logging for the MMU sync-feedback host suite
//
// Provides leveled, prefixed loggers with optional structured fields and
// text or JSON output. Each subsystem (sensor manager, sync controller,
// flowguard, ...) creates a component logger so telemetry lines are easy
// to filter in the printer log.
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// TRACE level for very chatty per-tick diagnostics
	TRACE Level = iota

	// DEBUG level for detailed debugging information
	DEBUG

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format specifies the output format for log messages.
type Format int

const (
	// FormatText outputs human-readable text
	FormatText Format = iota
	// FormatJSON outputs one JSON object per line
	FormatJSON
)

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// Logger is a leveled, prefixed logger.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      Level
	timeFormat string
	format     Format
	fields     Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger = New("")
)

// New creates a new logger with the given component prefix.
func New(prefix string) *Logger {
	return &Logger{
		prefix:     prefix,
		writer:     os.Stderr,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
		format:     FormatText,
		fields:     make(Fields),
	}
}

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Component returns a child logger sharing output and level but with its
// own prefix and a copy of the persistent fields.
func (l *Logger) Component(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		format:     l.format,
		fields:     fields,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetWriter sets the output writer (e.g., a log file or a test buffer).
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// SetFormat sets the output format.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
}

// WithField returns a logger that attaches the given field to every message.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a logger that attaches the given fields to every message.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := l.Component(l.prefix)
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// Trace logs at TRACE level.
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(TRACE, format, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	var line string
	if l.format == FormatJSON {
		obj := map[string]interface{}{
			"time":  now.Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   msg,
		}
		if l.prefix != "" {
			obj["component"] = l.prefix
		}
		for k, v := range l.fields {
			obj[k] = v
		}
		b, err := json.Marshal(obj)
		if err != nil {
			b = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"log marshal: %v"}`, err))
		}
		line = string(b) + "\n"
	} else {
		var sb strings.Builder
		sb.WriteString(now.Format(l.timeFormat))
		sb.WriteString(" [")
		sb.WriteString(level.String())
		sb.WriteString("]")
		if l.prefix != "" {
			sb.WriteString(" ")
			sb.WriteString(l.prefix)
			sb.WriteString(":")
		}
		sb.WriteString(" ")
		sb.WriteString(msg)
		if len(l.fields) > 0 {
			keys := make([]string, 0, len(l.fields))
			for k := range l.fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sb.WriteString(fmt.Sprintf(" %s=%v", k, l.fields[k]))
			}
		}
		sb.WriteString("\n")
		line = sb.String()
	}

	if l.writer != nil {
		io.WriteString(l.writer, line)
	}
}

// Package-level helpers using the default logger.

// Debug logs at DEBUG level using the default logger.
func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }

// Info logs at INFO level using the default logger.
func Info(format string, args ...interface{}) { Default().Info(format, args...) }

// Warn logs at WARN level using the default logger.
func Warn(format string, args ...interface{}) { Default().Warn(format, args...) }

// Error logs at ERROR level using the default logger.
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
