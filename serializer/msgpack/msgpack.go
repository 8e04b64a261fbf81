// Package msgpack provides a MessagePack event serializer and cache codec.
//
// MessagePack produces smaller payloads than JSON for the same values. The
// serializer plugs into an event store and the codec into a typed cache:
//
//	s := msgpack.NewSerializer()
//	store := stoat.NewEventStore[TodoEvent](adapter, stoat.WithSerializer(s))
//	store.RegisterEvents(TodoAdded{}, TodoCompleted{})
//
//	summaries := cache.NewTyped[Summary](c, msgpack.Codec{})
//
// Payloads written by this serializer are not JSON, so feeds replaying
// them must render through feed.Decoded.
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cache"
)

var (
	_ stoat.Serializer    = (*Serializer)(nil)
	_ stoat.TypeRegistrar = (*Serializer)(nil)
	_ cache.Codec         = Codec{}
)

// Serializer encodes events with MessagePack and decodes them into
// registered Go types.
type Serializer struct {
	registry *stoat.EventRegistry
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares an existing registry.
func WithRegistry(registry *stoat.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: stoat.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register maps eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their type names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the type registry.
func (s *Serializer) Registry() *stoat.EventRegistry {
	return s.registry
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, stoat.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, stoat.NewSerializationError(stoat.TypeName(event), "serialize", err)
	}
	return data, nil
}

// Deserialize decodes MessagePack bytes into a value of the registered type.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, stoat.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, stoat.NewSerializationError(eventType, "deserialize", stoat.NewEventTypeNotRegisteredError(eventType))
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, stoat.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// Codec is a cache.Codec using MessagePack.
type Codec struct{}

// Marshal implements cache.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements cache.Codec.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
