package stoat

import (
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Event is an immutable fact produced by a decider.
type Event interface {
	// AggregateType names the decider that produced the event.
	// It is used for routing and cache invalidation.
	AggregateType() string

	// AggregateID identifies the stream the event belongs to.
	AggregateID() string

	// EventType is the name used for storage and decoding.
	EventType() string

	// IsFinal reports whether the event closes its stream.
	IsFinal() bool
}

// Command is an intent to change the state of one aggregate.
// Commands carry every externally supplied value, including timestamps
// and identifiers; deciders never generate their own.
type Command interface {
	AggregateType() string
	AggregateID() string
}

// IdentifiedCommand is implemented by commands that carry a causation id.
// The id is stored with every event the command produces.
type IdentifiedCommand interface {
	Command
	CommandID() string
}

// ValidatableCommand is implemented by commands that can check their own input.
type ValidatableCommand interface {
	Command
	Validate() error
}

// StreamKey identifies one aggregate stream.
type StreamKey = adapters.StreamKey

// StoredEvent is a persisted event record.
type StoredEvent = adapters.StoredEvent

// NewStreamKey creates a StreamKey.
func NewStreamKey(aggregateType, aggregateID string) StreamKey {
	return adapters.NewStreamKey(aggregateType, aggregateID)
}

// KeyOf returns the stream key of a command or event.
func KeyOf(v interface {
	AggregateType() string
	AggregateID() string
}) StreamKey {
	return adapters.NewStreamKey(v.AggregateType(), v.AggregateID())
}

// Versioned pairs an event with its version token.
type Versioned[E Event] struct {
	Event E

	// Version is the event id, the token the next event of the stream chains to.
	Version string

	// PreviousVersion is the version of the preceding event, empty for the first.
	PreviousVersion string

	// Sequence is the store-wide position, usable as a resume cursor.
	Sequence int64
}

// Events extracts the bare events.
func Events[E Event](versioned []Versioned[E]) []E {
	events := make([]E, len(versioned))
	for i, v := range versioned {
		events[i] = v.Event
	}
	return events
}

// LatestVersion returns the version of the last element, empty if none.
func LatestVersion[E Event](versioned []Versioned[E]) string {
	if len(versioned) == 0 {
		return ""
	}
	return versioned[len(versioned)-1].Version
}
