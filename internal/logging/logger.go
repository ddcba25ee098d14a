// Package logging provides structured, leveled logging for the wnbd core,
// shared by the control plane, the registry, and every per-device engine.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels. Values are ordered so that
// a logger configured at level L drops everything below L.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration. Format selects between "text" (the
// default, human-readable) and "json" (for log aggregation). Sync adds a
// mutex shared by the logger and every logger derived from it, so their
// writes are serialized with each other; NoColor disables ANSI color codes in the text formatter, which matters
// when Output is not a terminal (e.g. a file, or a test buffer).
type Config struct {
	Level   LogLevel
	Format  string
	Output  io.Writer
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a logrus entry, carrying whatever device/queue/request
// context was attached via WithDevice/WithQueue/WithRequest/WithError.
type Logger struct {
	entry *logrus.Entry
	mu    *sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new logger from config, using DefaultConfig when
// config is nil. A nil Output falls back to os.Stderr and any Format other
// than "json" selects text; a zero Level is LevelDebug.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(config.Level.toLogrus())

	switch config.Format {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:    config.NoColor,
			FullTimestamp:    true,
			DisableTimestamp: false,
		})
	}

	// logrus.Logger serializes every write internally via its own mutex, so
	// Sync only governs whether callers additionally want write ordering
	// across goroutines holding the same *Logger value; the shared mutex
	// below is what actually provides that when Sync is requested.
	var mu sync.Mutex
	l := &Logger{entry: logrus.NewEntry(base)}
	if config.Sync {
		l.mu = &mu
	}
	return l
}

// Default returns the default logger, creating it with DefaultConfig if
// one hasn't been set yet.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// withFields returns a derived Logger carrying the given fields in
// addition to whatever context l already holds.
func (l *Logger) withFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields), mu: l.mu}
}

// WithDevice attaches a device_id field, for logging within a single
// device's control-plane or engine operations.
func (l *Logger) WithDevice(deviceID uint32) *Logger {
	return l.withFields(logrus.Fields{"device_id": deviceID})
}

// WithQueue attaches a queue_id field on top of whatever context l already
// carries (typically chained onto WithDevice).
func (l *Logger) WithQueue(queueID int) *Logger {
	return l.withFields(logrus.Fields{"queue_id": queueID})
}

// WithRequest attaches tag and op fields, for logging a single in-flight
// request as it moves between the Pending and Submitted queues.
func (l *Logger) WithRequest(tag uint64, op string) *Logger {
	return l.withFields(logrus.Fields{"tag": tag, "op": op})
}

// SetLevel changes the level of the underlying logrus logger, affecting
// every derived Logger (WithDevice, WithQueue, ...) that shares it. Used
// by ReloadConfig to apply an updated configured level.
func (l *Logger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(level.toLogrus())
}

// WithError attaches err so its message is included in the next log line,
// without changing the message passed to Error/Warn/etc.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err), mu: l.mu}
}

func (l *Logger) lock() {
	if l.mu != nil {
		l.mu.Lock()
	}
}

func (l *Logger) unlock() {
	if l.mu != nil {
		l.mu.Unlock()
	}
}

func (l *Logger) log(level logrus.Level, msg string, args ...any) {
	l.lock()
	defer l.unlock()
	if len(args) == 0 {
		l.entry.Log(level, msg)
		return
	}
	l.entry.WithFields(argsToFields(args)).Log(level, msg)
}

// argsToFields converts alternating key/value pairs into logrus.Fields;
// non-string keys are skipped.
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

func (l *Logger) Debug(msg string, args ...any) { l.log(logrus.DebugLevel, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(logrus.InfoLevel, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(logrus.WarnLevel, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(logrus.ErrorLevel, msg, args...) }

// Debugf etc. are retained for call sites that prefer printf-style
// formatting over key/value pairs.
func (l *Logger) Debugf(format string, args ...any) {
	l.lock()
	defer l.unlock()
	l.entry.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.lock()
	defer l.unlock()
	l.entry.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.lock()
	defer l.unlock()
	l.entry.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.lock()
	defer l.unlock()
	l.entry.Errorf(format, args...)
}

// Printf is kept for call sites that expect a stdlib-log-shaped logger.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions operating on Default().
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
