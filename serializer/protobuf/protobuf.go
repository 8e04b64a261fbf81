// Package protobuf provides a Protocol Buffers event serializer and cache codec.
//
// Only generated message types are accepted:
//
//	s := protobuf.NewSerializer()
//	s.Register("TodoAdded", &pb.TodoAdded{})
//
//	data, err := s.Serialize(&pb.TodoAdded{Id: "t1"})
//	event, err := s.Deserialize(data, "TodoAdded") // *pb.TodoAdded
//
// Decoded events are returned as pointers; messages must not be copied.
package protobuf

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cache"
)

// ErrNotProtoMessage indicates a value that does not implement proto.Message.
var ErrNotProtoMessage = errors.New("stoat/protobuf: value must implement proto.Message")

var (
	_ stoat.Serializer    = (*Serializer)(nil)
	_ stoat.TypeRegistrar = (*Serializer)(nil)
	_ cache.Codec         = Codec{}
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares an existing registry. Every type in it must be a
// generated message type.
func WithRegistry(registry *stoat.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// Serializer encodes proto.Message events.
type Serializer struct {
	registry *stoat.EventRegistry
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: stoat.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryRegister maps eventType to the message type of example.
func (s *Serializer) TryRegister(eventType string, example interface{}) error {
	if example == nil {
		return stoat.NewSerializationError(eventType, "register", ErrNotProtoMessage)
	}
	t := reflect.TypeOf(example)
	if t.Kind() != reflect.Ptr {
		t = reflect.PointerTo(t)
	}
	if !t.Implements(protoMessageType) {
		return stoat.NewSerializationError(eventType, "register", ErrNotProtoMessage)
	}
	s.registry.Register(eventType, example)
	return nil
}

// Register is like TryRegister but panics if example is not a message.
func (s *Serializer) Register(eventType string, example interface{}) {
	if err := s.TryRegister(eventType, example); err != nil {
		panic(err)
	}
}

// RegisterAll registers messages under their Go type names.
func (s *Serializer) RegisterAll(examples ...interface{}) error {
	for _, example := range examples {
		if err := s.TryRegister(stoat.TypeName(example), example); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the type registry.
func (s *Serializer) Registry() *stoat.EventRegistry {
	return s.registry
}

// Serialize converts a message to the Protocol Buffers wire format.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, stoat.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	msg, ok := event.(proto.Message)
	if !ok {
		return nil, stoat.NewSerializationError(stoat.TypeName(event), "serialize", ErrNotProtoMessage)
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, stoat.NewSerializationError(stoat.TypeName(event), "serialize", err)
	}
	return data, nil
}

// Deserialize decodes data into a new message of the registered type.
// Empty data is valid and yields a message with default field values.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, stoat.NewSerializationError(eventType, "deserialize", stoat.NewEventTypeNotRegisteredError(eventType))
	}

	msg, ok := reflect.New(t).Interface().(proto.Message)
	if !ok {
		return nil, stoat.NewSerializationError(eventType, "deserialize", ErrNotProtoMessage)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, stoat.NewSerializationError(eventType, "deserialize", err)
	}
	return msg, nil
}

// Codec is a cache.Codec for message values. Use it with a pointer type
// parameter, for example cache.NewTyped[*pb.Summary](c, protobuf.Codec{}).
type Codec struct{}

// Marshal implements cache.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.Marshal(msg)
}

// Unmarshal implements cache.Codec. v is either a message or a pointer to
// a message pointer, which receives a freshly allocated message.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Ptr {
		return ErrNotProtoMessage
	}
	fresh := reflect.New(rv.Elem().Type().Elem())
	msg, ok := fresh.Interface().(proto.Message)
	if !ok {
		return ErrNotProtoMessage
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return err
	}
	rv.Elem().Set(fresh)
	return nil
}
