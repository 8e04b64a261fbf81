package adapters

import (
	"fmt"

	"github.com/google/uuid"
)

// NewCorrelationID returns a fresh identifier attached to error instances for tracing.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ConcurrencyError provides details about an optimistic-lock conflict.
// It is returned when a stream's latest event id differs from the one
// the caller built its decision on, or when the storage engine rejects a
// duplicate chain predecessor.
type ConcurrencyError struct {
	AggregateType      string
	AggregateID        string
	ExpectedPreviousID string
	ActualPreviousID   string
	CorrelationID      string
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(key StreamKey, expected, actual string) *ConcurrencyError {
	return &ConcurrencyError{
		AggregateType:      key.AggregateType,
		AggregateID:        key.AggregateID,
		ExpectedPreviousID: expected,
		ActualPreviousID:   actual,
		CorrelationID:      NewCorrelationID(),
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stoat: optimistic locking conflict on %s/%s (expected previous %q, actual %q) [%s]",
		e.AggregateType, e.AggregateID, e.ExpectedPreviousID, e.ActualPreviousID, e.CorrelationID)
}

// Is implements errors.Is compatibility.
// Returns true when compared with ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Key returns the stream the conflict happened on.
func (e *ConcurrencyError) Key() StreamKey {
	return NewStreamKey(e.AggregateType, e.AggregateID)
}

// FinalizedError is returned when appending to a finalized stream.
type FinalizedError struct {
	AggregateType string
	AggregateID   string
	CorrelationID string
}

// NewFinalizedError creates a new FinalizedError.
func NewFinalizedError(key StreamKey) *FinalizedError {
	return &FinalizedError{
		AggregateType: key.AggregateType,
		AggregateID:   key.AggregateID,
		CorrelationID: NewCorrelationID(),
	}
}

// Error implements the error interface.
func (e *FinalizedError) Error() string {
	return fmt.Sprintf("stoat: stream %s/%s is finalized [%s]", e.AggregateType, e.AggregateID, e.CorrelationID)
}

// Is implements errors.Is compatibility.
func (e *FinalizedError) Is(target error) bool {
	return target == ErrStreamFinalized
}

// StorageError wraps an unexpected failure of the storage engine.
type StorageError struct {
	Op            string
	Cause         error
	CorrelationID string
}

// NewStorageError creates a new StorageError.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{
		Op:            op,
		Cause:         cause,
		CorrelationID: NewCorrelationID(),
	}
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("stoat: storage failure during %s: %v [%s]", e.Op, e.Cause, e.CorrelationID)
}

// Is implements errors.Is compatibility.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ValidateRecords checks that a batch can be appended.
func ValidateRecords(records []EventRecord) error {
	if len(records) == 0 {
		return ErrNoEvents
	}
	for _, r := range records {
		if err := r.Key().Validate(); err != nil {
			return err
		}
		if r.EventID == "" {
			return fmt.Errorf("stoat: event id is required for %s event", r.EventType)
		}
		if r.EventType == "" {
			return fmt.Errorf("stoat: event type is required")
		}
	}
	return nil
}

// StreamHead is what an adapter knows about the tail of a stream
// while it holds its append critical section.
type StreamHead struct {
	LatestID string
	Exists   bool
	Final    bool
}

// ChainPlanner assigns chain predecessors to a batch of records.
// Adapters feed it the head of each stream as read inside their transaction
// and get back the PreviousID for every record, in order.
type ChainPlanner struct {
	heads  map[StreamKey]StreamHead
	expect map[StreamKey]string
}

// NewChainPlanner creates a planner for the given expectations.
func NewChainPlanner(expect []Expectation) *ChainPlanner {
	p := &ChainPlanner{
		heads:  make(map[StreamKey]StreamHead),
		expect: make(map[StreamKey]string, len(expect)),
	}
	for _, e := range expect {
		p.expect[e.Key] = e.PreviousID
	}
	return p
}

// Known reports whether the head of the stream was already loaded.
func (p *ChainPlanner) Known(key StreamKey) bool {
	_, ok := p.heads[key]
	return ok
}

// SetHead records the head of a stream as read from storage and checks
// finality and the caller's expectation against it.
func (p *ChainPlanner) SetHead(key StreamKey, head StreamHead) error {
	if head.Final {
		return NewFinalizedError(key)
	}
	if expected, ok := p.expect[key]; ok && expected != head.LatestID {
		return NewConcurrencyError(key, expected, head.LatestID)
	}
	p.heads[key] = head
	return nil
}

// Next returns the predecessor for a record and advances the stream head.
// A record following a final record in the same batch is rejected.
func (p *ChainPlanner) Next(r EventRecord) (string, error) {
	key := r.Key()
	head := p.heads[key]
	if head.Final {
		return "", NewFinalizedError(key)
	}
	previous := head.LatestID
	p.heads[key] = StreamHead{LatestID: r.EventID, Exists: true, Final: r.Final}
	return previous, nil
}

// Stored builds the StoredEvent for a record.
func Stored(r EventRecord, sequence int64, previousID string) StoredEvent {
	schema := r.SchemaVersion
	if schema == 0 {
		schema = SchemaVersion
	}
	return StoredEvent{
		Sequence:      sequence,
		EventID:       r.EventID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		PreviousID:    previousID,
		EventType:     r.EventType,
		SchemaVersion: schema,
		Payload:       r.Payload,
		CommandID:     r.CommandID,
		Final:         r.Final,
		CreatedAt:     r.CreatedAt,
	}
}
