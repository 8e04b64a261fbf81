// Package adapters provides interfaces for event store backends.
package adapters

import (
	"context"
	"errors"
	"time"
)

// SchemaVersion is the version tag written on every stored event.
const SchemaVersion = 1

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when the optimistic-lock check fails.
	ErrConcurrencyConflict = errors.New("stoat: optimistic locking conflict")

	// ErrStreamFinalized is returned when appending to a stream that received a final event.
	ErrStreamFinalized = errors.New("stoat: stream is finalized")

	// ErrStorage marks unexpected storage engine failures.
	ErrStorage = errors.New("stoat: storage failure")

	// ErrEmptyStreamKey is returned when an aggregate type or id is missing.
	ErrEmptyStreamKey = errors.New("stoat: aggregate type and id are required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("stoat: no events to append")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("stoat: adapter is closed")
)

// StreamKey identifies one aggregate stream.
type StreamKey struct {
	AggregateType string
	AggregateID   string
}

// NewStreamKey creates a StreamKey.
func NewStreamKey(aggregateType, aggregateID string) StreamKey {
	return StreamKey{AggregateType: aggregateType, AggregateID: aggregateID}
}

// String returns the key as "type/id".
func (k StreamKey) String() string {
	return k.AggregateType + "/" + k.AggregateID
}

// Validate checks that both parts of the key are set.
func (k StreamKey) Validate() error {
	if k.AggregateType == "" || k.AggregateID == "" {
		return ErrEmptyStreamKey
	}
	return nil
}

// EventRecord represents an event to be appended.
// The adapter fills in the sequence and the chain predecessor.
type EventRecord struct {
	// EventID is the version token of this event, unique within its stream.
	EventID string

	AggregateType string
	AggregateID   string

	// EventType is the event type name used for routing and decoding.
	EventType string

	// SchemaVersion of the payload. Zero is stored as SchemaVersion.
	SchemaVersion int

	// Payload is the serialized event body.
	Payload []byte

	// CommandID is the optional causation reference.
	CommandID string

	// Final closes the stream to further appends.
	Final bool

	CreatedAt time.Time
}

// Key returns the stream key of the record.
func (r EventRecord) Key() StreamKey {
	return NewStreamKey(r.AggregateType, r.AggregateID)
}

// StoredEvent is a persisted event.
type StoredEvent struct {
	// Sequence is the store-wide monotonic position, used as replay cursor.
	Sequence int64

	EventID       string
	AggregateType string
	AggregateID   string

	// PreviousID is the EventID of the preceding event in the same stream,
	// empty for the first event.
	PreviousID string

	EventType     string
	SchemaVersion int
	Payload       []byte
	CommandID     string
	Final         bool
	CreatedAt     time.Time
}

// Key returns the stream key of the event.
func (e StoredEvent) Key() StreamKey {
	return NewStreamKey(e.AggregateType, e.AggregateID)
}

// Expectation pins the latest event id a caller observed for a stream.
// An empty PreviousID means the stream must not have any events yet.
type Expectation struct {
	Key        StreamKey
	PreviousID string
}

// Bounds holds the lowest and highest sequence in the store.
type Bounds struct {
	Earliest int64
	Latest   int64
}

// EventStoreAdapter is the interface that storage adapters must implement.
type EventStoreAdapter interface {
	// Append stores records for one or more streams in a single atomic unit.
	// For each record it reads the latest event id of the record's stream,
	// rejects the append if that stream is finalized, verifies any matching
	// expectation, and inserts the record chained to that id.
	// Returns ErrConcurrencyConflict (as *ConcurrencyError) when the chain
	// check fails and ErrStreamFinalized (as *FinalizedError) for closed streams.
	Append(ctx context.Context, records []EventRecord, expect ...Expectation) ([]StoredEvent, error)

	// Load returns all events of one stream ordered by sequence.
	Load(ctx context.Context, key StreamKey) ([]StoredEvent, error)

	// LatestEventID returns the event id of the last event of a stream.
	// The boolean is false if the stream has no events.
	LatestEventID(ctx context.Context, key StreamKey) (string, bool, error)

	// LoadAll returns every stored event ordered by sequence.
	LoadAll(ctx context.Context) ([]StoredEvent, error)

	// LoadSince returns events with a sequence strictly greater than sequence.
	LoadSince(ctx context.Context, sequence int64) ([]StoredEvent, error)

	// Bounds returns the store bounds. The boolean is false if the store is empty.
	Bounds(ctx context.Context) (Bounds, bool, error)

	// Initialize sets up the required schema. It must be idempotent.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}

// Stats summarizes the content of a store.
type Stats struct {
	Events           int64
	Streams          int64
	FinalizedStreams int64
	Bounds           Bounds
}

// StatsProvider is implemented by adapters that can summarize their content.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}
