package stoat

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// Serializer handles event payload serialization and deserialization.
type Serializer interface {
	// Serialize converts an event to bytes.
	Serialize(event interface{}) ([]byte, error)

	// Deserialize converts bytes back to an event.
	// The eventType is used to determine the target type.
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// TypeRegistrar is implemented by serializers that decode into registered Go types.
type TypeRegistrar interface {
	Register(eventType string, example interface{})
}

// Upcaster rewrites a stored payload written under an older schema version.
// It returns the payload and the schema version it now conforms to.
type Upcaster func(eventType string, schemaVersion int, payload []byte) ([]byte, int, error)

// EventRegistry maps event type names to Go types.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventRegistry returns an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register maps eventType to the Go type of example. Pointer examples register
// their element type, so decoding always yields values. A later registration
// of the same name replaces the earlier one.
func (r *EventRegistry) Register(eventType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[eventType] = t
}

// RegisterAll registers events under their type names, see TypeName.
func (r *EventRegistry) RegisterAll(examples ...interface{}) {
	for _, example := range examples {
		r.Register(TypeName(example), example)
	}
}

// Lookup returns the Go type for the given event type name.
func (r *EventRegistry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[eventType]
	return t, ok
}

// RegisteredTypes returns the registered event type names in sorted order.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// Count returns the number of registered event types.
func (r *EventRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// JSONSerializer is the default Serializer implementation using JSON encoding.
type JSONSerializer struct {
	registry *EventRegistry
}

// NewJSONSerializer creates a new JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{
		registry: NewEventRegistry(),
	}
}

// NewJSONSerializerWithRegistry creates a new JSONSerializer with the given registry.
func NewJSONSerializerWithRegistry(registry *EventRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewEventRegistry()
	}
	return &JSONSerializer{
		registry: registry,
	}
}

// Register adds an event type to the serializer's registry.
func (s *JSONSerializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their type names.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying EventRegistry.
func (s *JSONSerializer) Registry() *EventRegistry {
	return s.registry
}

// Serialize converts an event to JSON bytes.
func (s *JSONSerializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(TypeName(event), "serialize", err)
	}

	return data, nil
}

// Deserialize converts JSON bytes back into a value of the registered type.
func (s *JSONSerializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, NewSerializationError(eventType, "deserialize", NewEventTypeNotRegisteredError(eventType))
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "deserialize", err)
	}

	return ptr.Elem().Interface(), nil
}

// TypeName returns the event type name of a value: the result of its
// EventType method when it has one, the Go type name otherwise.
func TypeName(event interface{}) string {
	if event == nil {
		return ""
	}
	if named, ok := event.(interface{ EventType() string }); ok {
		return named.EventType()
	}

	t := reflect.TypeOf(event)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
