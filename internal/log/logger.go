// Package log provides structured logging for memlift using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with memlift-specific helpers.
type Logger struct {
	*zap.Logger
	onIntercept func(pc uint64, category, name, detail string)
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger before Init.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnIntercept sets the callback invoked for every intercepted call.
func (l *Logger) SetOnIntercept(fn func(pc uint64, category, name, detail string)) {
	l.onIntercept = fn
}

// Intercept reports an intercepted call. The callback runs first so
// event collection does not depend on the log level.
func (l *Logger) Intercept(pc uint64, category, name, detail string) {
	if l.onIntercept != nil {
		l.onIntercept(pc, category, name, detail)
	}

	l.Debug("intercept",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.String("pc", Hex(pc)),
	)
}

// Deferred logs a request the model declined to service.
func (l *Logger) Deferred(name, detail string) {
	l.Warn("deferred to host",
		zap.String("fn", name),
		zap.String("detail", detail),
	)
}

// WithComponent returns a logger with the component field preset.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(zap.String("comp", component)),
		onIntercept: l.onIntercept,
	}
}

// Hex formats a uint64 as a 0x-prefixed hex string.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Span creates a field for a [start, end) address span.
func Span(start, end uint64) zap.Field {
	return zap.String("span", Hex(start)+"-"+Hex(end))
}

// Range creates a field naming a mapped range.
func Range(name string) zap.Field {
	return zap.String("range", name)
}

// Worker creates a worker index field.
func Worker(id int) zap.Field {
	return zap.Int("worker", id)
}
