// Package monitoring holds the process-wide diagnostic loggers used by the
// pipeline stages.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var trace atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetTrace turns per-message tracing on or off.
func SetTrace(on bool) { trace.Store(on) }

// Tracing reports whether per-message tracing is on.
func Tracing() bool { return trace.Load() }

// Tracef logs through Logf only when tracing is on. It is meant for
// per-reading detail that would flood the log in the field.
func Tracef(format string, v ...interface{}) {
	if trace.Load() {
		Logf(format, v...)
	}
}
