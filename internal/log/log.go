// Package log provides the structured logger used across the relay.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is what relay components log through. Keys and values alternate in
// keysAndValues; zap fields and bare errors are also accepted.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)

	WithName(name string) Logger
	WithValues(keysAndValues ...any) Logger

	Sync() error
}

var _ Logger = (*relayLogger)(nil)

type relayLogger struct {
	base *zap.Logger
}

// NewLogger opens opts.OutputPaths and returns a logger writing to them.
// An unknown level is an error rather than a silent fallback.
func NewLogger(opts *Options) (Logger, error) {
	if opts == nil {
		opts = NewOptions()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	paths := opts.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	sink, _, err := zap.Open(paths...)
	if err != nil {
		return nil, fmt.Errorf("open log outputs %v: %w", paths, err)
	}

	zapOpts := []zap.Option{
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if !opts.DisableCaller {
		zapOpts = append(zapOpts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	base := zap.New(zapcore.NewCore(newEncoder(opts), sink, level), zapOpts...)
	if opts.Name != "" {
		base = base.Named(opts.Name)
	}
	return &relayLogger{base: base}, nil
}

// newEncoder renders durations as fractional milliseconds, matching the
// latency fields the relay reports elsewhere.
func newEncoder(opts *Options) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeDuration = func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendFloat64(float64(d) / float64(time.Millisecond))
	}

	if opts.Format == FormatJSON {
		return zapcore.NewJSONEncoder(ec)
	}
	if opts.EnableColor {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

// NewFromZap wraps core, typically one built on zaptest/observer.
func NewFromZap(base *zap.Logger) Logger {
	return &relayLogger{base: base}
}

func (l *relayLogger) Debug(msg string, keysAndValues ...any) {
	l.write(zapcore.DebugLevel, msg, nil, keysAndValues)
}

func (l *relayLogger) Info(msg string, keysAndValues ...any) {
	l.write(zapcore.InfoLevel, msg, nil, keysAndValues)
}

func (l *relayLogger) Warn(msg string, keysAndValues ...any) {
	l.write(zapcore.WarnLevel, msg, nil, keysAndValues)
}

func (l *relayLogger) Error(err error, msg string, keysAndValues ...any) {
	l.write(zapcore.ErrorLevel, msg, err, keysAndValues)
}

// write skips field conversion when lvl is disabled.
func (l *relayLogger) write(lvl zapcore.Level, msg string, err error, keysAndValues []any) {
	ce := l.base.Check(lvl, msg)
	if ce == nil {
		return
	}
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

func (l *relayLogger) WithName(name string) Logger {
	return &relayLogger{base: l.base.Named(name)}
}

func (l *relayLogger) WithValues(keysAndValues ...any) Logger {
	return &relayLogger{base: l.base.With(toFields(keysAndValues...)...)}
}

func (l *relayLogger) Sync() error {
	return l.base.Sync()
}

var (
	stdMu sync.RWMutex
	std   Logger = NewNopLogger()
)

// SetStd installs l as the logger returned by Std.
func SetStd(l Logger) {
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

// Std returns the logger installed by SetStd, or a no-op logger before that.
func Std() Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// NewNopLogger returns a logger that drops every entry.
func NewNopLogger() Logger {
	return &relayLogger{base: zap.NewNop()}
}
