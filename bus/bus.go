// Package bus defines the event notification bus: hierarchical keys,
// wildcard patterns, the JSON envelope published for every stored event,
// and the publisher and subscriber contracts implemented by transports.
//
// Delivery is at-least-once and best effort. A subscriber sees messages
// in the order they were published to it; there is no ordering across
// subscribers. Publishing never blocks on slow subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for bus implementations.
var (
	// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
	ErrBusClosed = errors.New("stoat/bus: bus is closed")

	// ErrPublishFailed matches every *PublishError.
	ErrPublishFailed = errors.New("stoat/bus: publish failed")

	// ErrInvalidPattern is returned for malformed subscription patterns.
	ErrInvalidPattern = errors.New("stoat/bus: invalid pattern")

	// ErrInvalidKey is returned when a key is not an event key.
	ErrInvalidKey = errors.New("stoat/bus: invalid event key")
)

// Message is one notification.
type Message struct {
	Key     string
	Payload []byte
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Subscription delivers messages matching one pattern until closed.
type Subscription interface {
	// Messages returns the delivery channel. It is closed after Close.
	Messages() <-chan Message

	// Close stops delivery and releases the subscription.
	Close() error
}

// Subscriber registers subscriptions. When Subscribe returns without error
// the subscription is live: every message published afterwards that
// matches the pattern will be delivered.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// Bus is a transport that can both publish and subscribe.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Logger defines the logging interface used by bus transports.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// PublishError reports a failed publication.
type PublishError struct {
	Key           string
	Transport     string
	Cause         error
	CorrelationID string
}

// NewPublishError creates a new PublishError.
func NewPublishError(transport, key string, cause error) *PublishError {
	return &PublishError{
		Key:           key,
		Transport:     transport,
		Cause:         cause,
		CorrelationID: uuid.NewString(),
	}
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("stoat/bus: %s publish of %q failed: %v [%s]", e.Transport, e.Key, e.Cause, e.CorrelationID)
}

// Is implements errors.Is compatibility.
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// Unwrap returns the underlying cause.
func (e *PublishError) Unwrap() error {
	return e.Cause
}
