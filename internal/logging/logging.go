// Package logging holds the package-level logger shared by all components.
package logging

import (
	"log/slog"
	"sync/atomic"
)

// logger is the process-wide logger, stored as an atomic pointer so the
// cleanup invocation (which configures logging before doing anything else)
// and any helper goroutines can read it without locking. A nil value means
// no custom logger has been set; Logger falls back to a cached default.
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger so it is not re-created on
// every Logger call. SetLogger(nil) clears the cache, allowing the next
// Logger call to pick up a new slog.Default().
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current logger. If SetLogger has not been called, it
// returns a cached logger derived from slog.Default() with the
// setup-kubesolo component attribute. Safe for concurrent use.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// newDefaultLogger creates the default logger with the component attribute.
func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "setup-kubesolo")
}

// SetLogger replaces the package-level logger. Passing nil resets to the
// default, re-derived from slog.Default() on the next Logger call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
