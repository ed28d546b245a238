// Package logger defines the engine's structured logging contract.
package logger

// Logger accepts a message plus alternating key/value context pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Noop discards everything. Used as the default and in tests.
type Noop struct{}

func (Noop) Debug(string, ...any) {}
func (Noop) Info(string, ...any)  {}
func (Noop) Warn(string, ...any)  {}
func (Noop) Error(string, ...any) {}
