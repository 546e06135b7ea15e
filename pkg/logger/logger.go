// Logger: printf-style logging wrapper around logrus
// Implements: Sync() method for graceful logger shutdown

package logger

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// LOGGER INTERFACE & TYPES
// ============================================================================

// Logger: Wraps a logrus.Logger behind printf-style level methods
type Logger struct {
	l *logrus.Logger
}

// vulcanFormatter: Single-line log format: timestamp, level, caller, message
type vulcanFormatter struct{}

func (f *vulcanFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	if entry.Caller != nil {
		fileName := path.Base(entry.Caller.File)
		fmt.Fprintf(b, "%s %s %s:%d %s\n", timestamp, level, fileName, entry.Caller.Line, entry.Message)
	} else {
		fmt.Fprintf(b, "%s %s %s\n", timestamp, level, entry.Message)
	}

	return b.Bytes(), nil
}

// ============================================================================
// GLOBAL LOGGER INSTANCE
// ============================================================================

var globalLogger *Logger

func init() {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetReportCaller(true)
	l.SetFormatter(&vulcanFormatter{})
	l.SetOutput(os.Stdout)

	globalLogger = &Logger{l: l}
}

// Get: Get the global logger instance
func Get() *Logger {
	return globalLogger
}

// ============================================================================
// LOGGING METHODS
// ============================================================================

// Debug: Log debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.l.Debugf(format, args...)
}

// Info: Log info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.l.Infof(format, args...)
}

// Warn: Log warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.l.Warnf(format, args...)
}

// Error: Log error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.l.Errorf(format, args...)
}

// ============================================================================
// PACKAGE-LEVEL CONVENIENCE METHODS
// ============================================================================

func Debug(format string, args ...interface{}) { globalLogger.Debug(format, args...) }
func Info(format string, args ...interface{})  { globalLogger.Info(format, args...) }
func Warn(format string, args ...interface{})  { globalLogger.Warn(format, args...) }
func Error(format string, args ...interface{}) { globalLogger.Error(format, args...) }

// ============================================================================
// CONFIGURATION METHODS
// ============================================================================

// SetLevelStr: Set log level from string
func (l *Logger) SetLevelStr(levelStr string) {
	switch levelStr {
	case "debug":
		l.l.SetLevel(logrus.DebugLevel)
	case "info":
		l.l.SetLevel(logrus.InfoLevel)
	case "warn":
		l.l.SetLevel(logrus.WarnLevel)
	case "error":
		l.l.SetLevel(logrus.ErrorLevel)
	default:
		l.l.SetLevel(logrus.InfoLevel)
	}
}

// ============================================================================
// SYNC METHOD - GRACEFUL SHUTDOWN
// ============================================================================

// Sync: Flush any pending logs
// Called during graceful shutdown; error is best effort
func (l *Logger) Sync() error {
	return os.Stdout.Sync()
}
