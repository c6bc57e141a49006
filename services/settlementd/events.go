package settlementd

import (
	"log/slog"
	"sort"

	"zkpayroll/native/stream"
)

// EventLogger bridges ledger events into the structured log so every state
// change is auditable without a dedicated event bus.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger wraps the logger as a stream.Emitter.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// Emit implements stream.Emitter. Attributes are logged in a stable order.
func (l *EventLogger) Emit(event stream.Event) {
	if event == nil {
		return
	}
	attrs := event.Attributes()
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys)+2)
	args = append(args, "event", event.EventType())
	for _, key := range keys {
		args = append(args, key, attrs[key])
	}
	l.logger.Info("ledger event", args...)
}
