package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Field keys shared by every component
const (
	FieldConn   = "conn"
	FieldClient = "client"
	FieldHost   = "host"
	FieldKind   = "kind"
)

// Logger handles multi-destination logging with different verbosity levels
type Logger struct {
	backend *logrus.Logger
	logFile *os.File
	level   logrus.Level
	debug   bool
	mutex   sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	LogFile     string    // Path to log file, in addition to the console
	Level       string    // error, warn, info or debug
	EnableDebug bool      // Forces debug level
	Console     io.Writer // Defaults to stdout
}

// NewLogger creates a new logger instance with its own logrus backend
func NewLogger(config Config) (*Logger, error) {
	return newLogger(logrus.New(), config)
}

func newLogger(backend *logrus.Logger, config Config) (*Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{backend: backend, level: level}

	console := config.Console
	if console == nil {
		console = os.Stdout
	}

	var out io.Writer = console
	if config.LogFile != "" {
		// Create log directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create log directory")
		}

		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open log file")
		}
		logger.logFile = file
		out = io.MultiWriter(console, file)
	}

	backend.SetOutput(out)
	backend.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
		DisableColors:   config.LogFile != "",
	})
	logger.SetDebug(config.EnableDebug)

	return logger, nil
}

func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel, errors.Wrapf(err, "invalid log level %q", level)
	}
	return parsed, nil
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// SetLevel changes the base level; debug mode still overrides it
func (l *Logger) SetLevel(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.level = parsed
	l.apply()
	return nil
}

// SetDebug toggles debug output
func (l *Logger) SetDebug(enable bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.debug = enable
	l.apply()
}

func (l *Logger) apply() {
	if l.debug {
		l.backend.SetLevel(logrus.DebugLevel)
		return
	}
	l.backend.SetLevel(l.level)
}

// Level returns the effective level
func (l *Logger) Level() logrus.Level {
	return l.backend.GetLevel()
}

// WithConn returns an entry tagged with a connection ID
func (l *Logger) WithConn(id string) *logrus.Entry {
	return l.backend.WithField(FieldConn, id)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.backend.Errorf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.backend.Warnf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.backend.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.backend.Debugf(format, args...)
}

// Stats logs statistics at info level
func (l *Logger) Stats(format string, args ...interface{}) {
	l.backend.WithField("stats", true).Infof(format, args...)
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger configures the logrus standard logger, which the internal
// packages log through, and installs it as the global logger
func InitGlobalLogger(config Config) error {
	logger, err := newLogger(logrus.StandardLogger(), config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	return globalLogger
}

// CloseGlobalLogger closes the global logger
func CloseGlobalLogger() error {
	if globalLogger != nil {
		return globalLogger.Close()
	}
	return nil
}
