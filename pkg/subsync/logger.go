package subsync

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}

func eventFields(ev *Event) []Field {
	return []Field{
		{Key: "event_id", Value: ev.ID},
		{Key: "event_type", Value: string(ev.Type)},
		{Key: "subscription_id", Value: ev.SubscriptionID()},
	}
}
