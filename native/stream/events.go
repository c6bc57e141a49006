package stream

import "strconv"

const (
	// TypeStreamCreated is emitted when a stream is admitted and persisted.
	TypeStreamCreated = "stream.created"
	// TypeStreamWithdrawn is emitted after a withdrawal commits.
	TypeStreamWithdrawn = "stream.withdrawn"
	// TypeStreamCancelled is emitted when a stream is deactivated.
	TypeStreamCancelled = "stream.cancelled"
)

// Event represents a structured ledger state change.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter broadcasts ledger events to downstream subscribers (e.g. audit
// sinks, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Created announces a newly admitted stream.
type Created struct {
	StreamID  uint64
	Employer  string
	Employee  string
	Principal string
	Duration  int64
}

// EventType satisfies the Event interface.
func (Created) EventType() string { return TypeStreamCreated }

// Attributes satisfies the Event interface.
func (e Created) Attributes() map[string]string {
	return map[string]string{
		"streamId":  strconv.FormatUint(e.StreamID, 10),
		"employer":  e.Employer,
		"employee":  e.Employee,
		"principal": e.Principal,
		"duration":  strconv.FormatInt(e.Duration, 10),
	}
}

// Withdrawn announces a committed withdrawal.
type Withdrawn struct {
	StreamID  uint64
	Amount    string
	Reference string
}

// EventType satisfies the Event interface.
func (Withdrawn) EventType() string { return TypeStreamWithdrawn }

// Attributes satisfies the Event interface.
func (e Withdrawn) Attributes() map[string]string {
	return map[string]string{
		"streamId":  strconv.FormatUint(e.StreamID, 10),
		"amount":    e.Amount,
		"reference": e.Reference,
	}
}

// Cancelled announces a stream deactivation.
type Cancelled struct {
	StreamID    uint64
	CancelledAt int64
}

// EventType satisfies the Event interface.
func (Cancelled) EventType() string { return TypeStreamCancelled }

// Attributes satisfies the Event interface.
func (e Cancelled) Attributes() map[string]string {
	return map[string]string{
		"streamId":    strconv.FormatUint(e.StreamID, 10),
		"cancelledAt": strconv.FormatInt(e.CancelledAt, 10),
	}
}
