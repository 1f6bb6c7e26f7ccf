package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger is a named logger. Every line carries a "service" field with the
// logger name.
type Logger struct {
	name     string
	warnOnce sync.Once
}

// outputHolder wraps the base zerolog logger so atomic.Value always stores
// the same concrete type.
type outputHolder struct {
	zl zerolog.Logger
}

var (
	// globalDebug holds global debug enablement.
	globalDebug atomic.Bool

	// serviceDebug stores per-service debug overrides.
	serviceDebug sync.Map // map[string]*atomic.Bool

	// loggers caches created named loggers.
	loggers sync.Map // map[string]*Logger

	// minLevel filters Info, Warn and Error lines.
	minLevel atomic.Int32

	base atomic.Value // outputHolder
)

func init() {
	minLevel.Store(int32(zerolog.InfoLevel))
	base.Store(outputHolder{zl: newBase(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})})
}

func newBase(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// ForService returns (and memoizes) a named logger for the given service.
// The name SHOULD be stable (e.g. "supervisor", "socket").
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	actual, _ := loggers.LoadOrStore(name, &Logger{name: name})
	return actual.(*Logger)
}

// Configure sets the destination and minimum level for every logger.
// A level of debug or lower also enables debug output globally.
func Configure(w io.Writer, level zerolog.Level) {
	SetOutput(w)
	SetLevel(level)
}

// SetLevel sets the minimum level for Info, Warn and Error lines.
func SetLevel(level zerolog.Level) {
	minLevel.Store(int32(level))
	SetGlobalDebug(level <= zerolog.DebugLevel)
}

// SetGlobalDebug enables or disables debug logging globally.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug returns whether global debug logging is enabled.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// EnableDebugFor enables debug logging for a specific service.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor disables debug logging for a specific service.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor returns whether debug is enabled for the given service
// (either globally or specifically for the service).
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	if val, ok := serviceDebug.Load(name); ok {
		return val.(*atomic.Bool).Load()
	}
	return false
}

// SetOutput sets the output writer for all loggers. Writers receive JSON
// lines; wrap them in zerolog.ConsoleWriter for human output.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	base.Store(outputHolder{zl: newBase(w)})
}

// Zerolog returns the underlying zerolog logger with the service field set,
// for call sites that want structured fields.
func (l *Logger) Zerolog() zerolog.Logger {
	return base.Load().(outputHolder).zl.With().Str("service", l.name).Logger()
}

func (l *Logger) emit(level zerolog.Level, msg string) {
	if level > zerolog.DebugLevel && level < zerolog.Level(minLevel.Load()) {
		return
	}
	zl := l.Zerolog()
	zl.WithLevel(level).Msg(msg)
}

// Infof logs an informational message with fmt.Sprintf semantics.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

// Warnf logs a warning message.
func (l *Logger) Warnf(format string, args ...any) {
	l.warnOnce.Do(func() {
		l.emit(zerolog.WarnLevel, "warnings active for this logger")
	})
	l.emit(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, args ...any) {
	l.emit(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Debugf logs a debug message if debug is enabled (globally or for this
// logger's service).
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.name) {
		return
	}
	l.emit(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}
