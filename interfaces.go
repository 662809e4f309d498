package kvserver

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// LogLevel is the minimum level the default logger writes
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelError
)

// String returns the lower-case level name
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLogLevel parses "debug", "info" or "error", case-insensitively
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}

// NewLogger returns the default logger writing "LEVEL: msg key=value" lines
// to w. Messages below level are dropped.
func NewLogger(w io.Writer, level LogLevel) Logger {
	return &defaultLogger{
		out:   log.New(w, "", log.LstdFlags),
		level: level,
	}
}

// defaultLogger is a simple logger implementation using the standard log package
type defaultLogger struct {
	out   *log.Logger
	level LogLevel
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{out: log.New(os.Stderr, "", log.LstdFlags), level: LevelInfo}
}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.logWithFields(LevelDebug, "DEBUG", msg, fields...)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.logWithFields(LevelInfo, "INFO", msg, fields...)
}

func (l *defaultLogger) Error(msg string, fields ...Field) {
	l.logWithFields(LevelError, "ERROR", msg, fields...)
}

func (l *defaultLogger) logWithFields(level LogLevel, prefix, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(": ")
	sb.WriteString(msg)
	for _, field := range fields {
		sb.WriteString(" ")
		sb.WriteString(field.Key)
		sb.WriteString("=")
		sb.WriteString(formatValue(field.Value))
	}
	l.out.Println(sb.String())
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}
