// Package logger provides the logging abstraction shared by every engine
// component. Components accept a Logger rather than a concrete backend so
// that tests can capture output and applications can plug in slog or
// zerolog.
package logger

// Logger accepts a message and alternating key/value pairs, in the manner
// of log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Nop discards everything. It is the default when a component is built
// without a logger.
type Nop struct{}

func (Nop) Error(msg string, args ...any) {}
func (Nop) Warn(msg string, args ...any)  {}
func (Nop) Info(msg string, args ...any)  {}
func (Nop) Debug(msg string, args ...any) {}

// OrNop returns l, or a Nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
