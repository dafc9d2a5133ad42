package log

// Logger is the interface applications implement to receive traffic events.
// Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records a traffic event. Implementations must be thread-safe.
	// The event should be processed quickly or queued; blocking affects
	// session latency.
	Log(event Event)
}

// NoopLogger discards all events. Use when capture is disabled.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
