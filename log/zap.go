package log

import (
	"fmt"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//
// ZapLogger implements Logger on top of a zap SugaredLogger.  Trace is
// not a zap level, so it is tracked separately and only honoured when the
// underlying level is debug.
//
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	trace bool
}

//
// Create a ZapLogger writing JSON to stderr.  Accepted levels are
// trace, debug, info, warn and error.
//
func NewZapLogger(level string, fields ...interface{}) (*ZapLogger, error) {

	atomic, trace, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	config.Level = atomic
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true

	base, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: base.Sugar().With(fields...), level: atomic, trace: trace}, nil
}

//
// Wrap an existing zap logger.  Used by tests to capture output.
//
func NewZapLoggerFrom(base *zap.Logger, trace bool) *ZapLogger {
	return &ZapLogger{sugar: base.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
		trace: trace}
}

func NewNopLogger() *ZapLogger {
	return &ZapLogger{sugar: zap.NewNop().Sugar(), level: zap.NewAtomicLevelAt(zapcore.ErrorLevel)}
}

//
// Return a logger with additional structured fields attached to every entry.
//
func (l *ZapLogger) With(fields ...interface{}) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(fields...), level: l.level, trace: l.trace}
}

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

func (l *ZapLogger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *ZapLogger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// zap's Fatal calls os.Exit, so fatal entries are logged at error level
// with a marker field instead.
func (l *ZapLogger) Fatalf(format string, v ...interface{}) {
	l.sugar.With("fatal", true).Errorf(format, v...)
}

func (l *ZapLogger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *ZapLogger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *ZapLogger) Tracef(format string, v ...interface{}) {
	if l.traceEnabled() {
		l.sugar.With("trace", true).Debugf(format, v...)
	}
}

func (l *ZapLogger) LazyDebug(fn func() string) {
	if l.level.Enabled(zapcore.DebugLevel) {
		l.sugar.Debug(fn())
	}
}

func (l *ZapLogger) LazyTrace(fn func() string) {
	if l.traceEnabled() {
		l.sugar.With("trace", true).Debug(fn())
	}
}

func (l *ZapLogger) StackTrace() string {
	return string(debug.Stack())
}

func (l *ZapLogger) traceEnabled() bool {
	return l.trace && l.level.Enabled(zapcore.DebugLevel)
}

func parseLevel(level string) (zap.AtomicLevel, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), true, nil
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), false, nil
	case "", "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), false, nil
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), false, nil
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), false, nil
	}
	return zap.AtomicLevel{}, false, fmt.Errorf("unknown log level %q", level)
}
