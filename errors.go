package stoat

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Storage errors are aliases to the adapters package errors.
var (
	// ErrConcurrencyConflict indicates the stream moved on since the caller read it.
	// It is the one storage error callers are expected to branch on: reload and retry.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStreamFinalized indicates an append to a stream closed by a final event.
	ErrStreamFinalized = adapters.ErrStreamFinalized

	// ErrStorage indicates an unexpected storage engine failure.
	ErrStorage = adapters.ErrStorage

	// ErrEmptyStreamKey indicates a missing aggregate type or id.
	ErrEmptyStreamKey = adapters.ErrEmptyStreamKey

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrSerializationFailed indicates event serialization/deserialization failed.
	ErrSerializationFailed = errors.New("stoat: serialization failed")

	// ErrEventTypeNotRegistered indicates an unknown event type was encountered.
	ErrEventTypeNotRegistered = errors.New("stoat: event type not registered")

	// ErrValidationFailed indicates command validation failed.
	ErrValidationFailed = errors.New("stoat: validation failed")

	// ErrCommandRejected indicates the decider refused the command for the current state.
	ErrCommandRejected = errors.New("stoat: command rejected")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("stoat: nil command")

	// ErrHandlerPanicked indicates a decider panicked while handling a command.
	ErrHandlerPanicked = errors.New("stoat: handler panicked")
)

// ConcurrencyError is the typed optimistic-lock conflict.
type ConcurrencyError = adapters.ConcurrencyError

// FinalizedError is the typed finalized-stream rejection.
type FinalizedError = adapters.FinalizedError

// StorageError is the typed storage failure.
type StorageError = adapters.StorageError

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType     string
	Operation     string // "serialize", "deserialize" or "upcast"
	Cause         error
	CorrelationID string
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("stoat: failed to %s event type %q: %v [%s]",
		e.Operation, e.EventType, e.Cause, e.CorrelationID)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType:     eventType,
		Operation:     operation,
		Cause:         cause,
		CorrelationID: adapters.NewCorrelationID(),
	}
}

// EventTypeNotRegisteredError provides detailed information about an unregistered event type.
type EventTypeNotRegisteredError struct {
	EventType string
}

// Error returns the error message.
func (e *EventTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("stoat: event type %q not registered", e.EventType)
}

// Is reports whether this error matches the target error.
func (e *EventTypeNotRegisteredError) Is(target error) bool {
	return target == ErrEventTypeNotRegistered
}

// NewEventTypeNotRegisteredError creates a new EventTypeNotRegisteredError.
func NewEventTypeNotRegisteredError(eventType string) *EventTypeNotRegisteredError {
	return &EventTypeNotRegisteredError{EventType: eventType}
}

// ValidationError reports malformed command input.
type ValidationError struct {
	// CommandType is the Go type name of the command that failed validation.
	CommandType string

	// Field is the field that failed validation (optional).
	Field string

	// Message describes the validation failure.
	Message string

	// Cause is the underlying error (optional).
	Cause error

	CorrelationID string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("stoat: validation failed for command %q field %q: %s [%s]",
			e.CommandType, e.Field, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("stoat: validation failed for command %q: %s [%s]",
		e.CommandType, e.Message, e.CorrelationID)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{
		CommandType:   cmdType,
		Field:         field,
		Message:       message,
		CorrelationID: adapters.NewCorrelationID(),
	}
}

// NewValidationErrorWithCause creates a new ValidationError with an underlying cause.
func NewValidationErrorWithCause(cmdType, field, message string, cause error) *ValidationError {
	err := NewValidationError(cmdType, field, message)
	err.Cause = cause
	return err
}

// RejectedError wraps a decider error: the command is not applicable to the current state.
type RejectedError struct {
	AggregateType string
	AggregateID   string
	CommandType   string
	Cause         error
	CorrelationID string
}

// Error returns the error message.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("stoat: command %q rejected by %s/%s: %v [%s]",
		e.CommandType, e.AggregateType, e.AggregateID, e.Cause, e.CorrelationID)
}

// Is reports whether this error matches the target error.
func (e *RejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

// Unwrap returns the decider's error.
func (e *RejectedError) Unwrap() error {
	return e.Cause
}

// NewRejectedError creates a new RejectedError.
func NewRejectedError(key StreamKey, cmdType string, cause error) *RejectedError {
	return &RejectedError{
		AggregateType: key.AggregateType,
		AggregateID:   key.AggregateID,
		CommandType:   cmdType,
		Cause:         cause,
		CorrelationID: adapters.NewCorrelationID(),
	}
}

// PanicError provides detailed information about a decider panic.
type PanicError struct {
	CommandType   string
	Value         interface{}
	Stack         string
	CorrelationID string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stoat: handler panicked while processing %q: %v [%s]", e.CommandType, e.Value, e.CorrelationID)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{
		CommandType:   cmdType,
		Value:         value,
		Stack:         stack,
		CorrelationID: adapters.NewCorrelationID(),
	}
}

// IsConflict reports whether err is an optimistic-lock conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
