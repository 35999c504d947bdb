// Package sentinel provides an immutable error type for sentinel error declarations.
//
// Sentinel errors declared with errors.New are package variables that can be
// reassigned. Error is a string-based error type that can be declared const,
// keeping the sentinel truly immutable while remaining comparable through
// errors.Is across wrapped error chains.
package sentinel
