package device

// Logger is the structured logging interface used by the device. Its method
// set matches *slog.Logger, so the CLI passes one directly.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NopLogger discards everything. It is the default when Config.Logger is nil.
type NopLogger struct{}

var _ Logger = NopLogger{}

func (NopLogger) Debug(msg string, keysAndValues ...any) {}
func (NopLogger) Info(msg string, keysAndValues ...any)  {}
func (NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (NopLogger) Error(msg string, keysAndValues ...any) {}
