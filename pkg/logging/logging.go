// Package logging provides structured logging for the custody daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Logger wraps charmbracelet/log and remembers how it was built so that
// component loggers share output, level and format with their parent.
type Logger struct {
	*log.Logger
	cfg Config
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	Format     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.DateTime,
		Format:     FormatText,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.DateTime
	}

	logger := log.NewWithOptions(c.Output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      c.TimeFormat,
		Prefix:          c.Prefix,
		Formatter:       parseFormatter(c.Format),
	})
	logger.SetLevel(ParseLevel(c.Level))

	return &Logger{Logger: logger, cfg: c}
}

// Default returns a logger built from DefaultConfig.
func Default() *Logger {
	return New(DefaultConfig())
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func parseFormatter(format string) log.Formatter {
	if strings.EqualFold(format, FormatJSON) {
		return log.JSONFormatter
	}
	return log.TextFormatter
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), cfg: l.cfg}
}

// WithPrefix returns a new logger writing to the same output with a different prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	c := l.cfg
	c.Prefix = prefix
	child := New(&c)
	child.SetLevel(l.GetLevel())
	return child
}

// Component returns a logger for a named component, e.g. "collector" or "crawler.btc".
func (l *Logger) Component(name string) *Logger {
	if l.cfg.Prefix != "" {
		name = l.cfg.Prefix + "." + name
	}
	return l.WithPrefix(name)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = Default()
)

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level logging functions using the default logger.

func Debug(msg interface{}, keyvals ...interface{}) { GetDefault().Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { GetDefault().Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { GetDefault().Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { GetDefault().Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { GetDefault().Fatal(msg, keyvals...) }

func Debugf(format string, args ...interface{}) { GetDefault().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetDefault().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetDefault().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetDefault().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetDefault().Fatalf(format, args...) }
