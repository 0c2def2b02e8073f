package log

//
// Logger is the printf-style logging surface used by every package.  Call
// sites prefix messages with "Type.method() :".
//
type Logger interface {
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})

	// Logs at the highest level.  The process keeps running; stopping it
	// is up to the caller (see common.RunState.Fatal).
	Fatalf(format string, v ...interface{})

	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})

	// Per-frame and per-vote detail.  Off unless the level is "trace".
	Tracef(format string, v ...interface{})

	// fn only runs when the level is enabled.
	LazyDebug(fn func() string)
	LazyTrace(fn func() string)

	StackTrace() string
}

// Discards everything until governd installs a ZapLogger.
var Current Logger = NewNopLogger()
