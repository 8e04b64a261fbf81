package stoat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// DefaultPublishTimeout bounds each background publication.
const DefaultPublishTimeout = 5 * time.Second

// storeOptions holds the configuration shared by every EventStore instantiation.
type storeOptions struct {
	serializer     Serializer
	publisher      bus.Publisher
	logger         Logger
	clock          clock.Clock
	upcasters      []Upcaster
	newID          func() string
	publishTimeout time.Duration
}

// Option configures an EventStore.
type Option func(*storeOptions)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(o *storeOptions) {
		o.serializer = s
	}
}

// WithPublisher sets the bus that receives a notification for every saved event.
func WithPublisher(p bus.Publisher) Option {
	return func(o *storeOptions) {
		o.publisher = p
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(o *storeOptions) {
		o.logger = l
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *storeOptions) {
		o.clock = c
	}
}

// WithUpcaster adds a payload upcaster. Upcasters run in registration order
// on every payload read from storage.
func WithUpcaster(u Upcaster) Option {
	return func(o *storeOptions) {
		o.upcasters = append(o.upcasters, u)
	}
}

// WithIDGenerator replaces the UUID generator used for event ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *storeOptions) {
		o.newID = fn
	}
}

// WithPublishTimeout bounds each background publication.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		o.publishTimeout = d
	}
}

// EventStore persists and loads events of one event family E.
type EventStore[E Event] struct {
	storeOptions
	adapter    adapters.EventStoreAdapter
	publishing sync.WaitGroup
}

// NewEventStore creates a new EventStore with the given adapter and options.
func NewEventStore[E Event](adapter adapters.EventStoreAdapter, opts ...Option) *EventStore[E] {
	s := &EventStore[E]{
		adapter: adapter,
		storeOptions: storeOptions{
			serializer:     NewJSONSerializer(),
			logger:         &noopLogger{},
			clock:          clock.WallClock,
			newID:          uuid.NewString,
			publishTimeout: DefaultPublishTimeout,
		},
	}

	for _, opt := range opts {
		opt(&s.storeOptions)
	}

	return s
}

// Adapter returns the underlying adapter.
func (s *EventStore[E]) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Serializer returns the event store's serializer.
func (s *EventStore[E]) Serializer() Serializer {
	return s.serializer
}

// RegisterEvents registers event types with the serializer under their type names.
func (s *EventStore[E]) RegisterEvents(examples ...interface{}) {
	r, ok := s.serializer.(TypeRegistrar)
	if !ok {
		return
	}
	for _, example := range examples {
		r.Register(TypeName(example), example)
	}
}

// SaveOption configures a save operation.
type SaveOption func(*saveConfig)

type saveConfig struct {
	expect    []adapters.Expectation
	commandID string
}

// ExpectVersion requires the stream's latest version to equal version.
// An empty version requires the stream to be empty.
func ExpectVersion(key StreamKey, version string) SaveOption {
	return func(c *saveConfig) {
		c.expect = append(c.expect, adapters.Expectation{Key: key, PreviousID: version})
	}
}

// WithCommandID records the causing command on every saved event.
func WithCommandID(id string) SaveOption {
	return func(c *saveConfig) {
		c.commandID = id
	}
}

// FetchEvents returns every event of one stream in order.
func (s *EventStore[E]) FetchEvents(ctx context.Context, key StreamKey) ([]Versioned[E], error) {
	stored, err := s.adapter.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(stored)
}

// Save appends events, possibly for several streams, in one atomic unit.
// Each event is chained to the latest version of its stream at the time
// of the append. Saving no events succeeds without touching storage.
func (s *EventStore[E]) Save(ctx context.Context, events []E, opts ...SaveOption) ([]Versioned[E], error) {
	if len(events) == 0 {
		return []Versioned[E]{}, nil
	}

	config := &saveConfig{}
	for _, opt := range opts {
		opt(config)
	}

	now := s.clock.Now()
	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		payload, err := s.serializer.Serialize(event)
		if err != nil {
			return nil, err
		}

		records[i] = adapters.EventRecord{
			EventID:       s.newID(),
			AggregateType: event.AggregateType(),
			AggregateID:   event.AggregateID(),
			EventType:     event.EventType(),
			SchemaVersion: adapters.SchemaVersion,
			Payload:       payload,
			CommandID:     config.commandID,
			Final:         event.IsFinal(),
			CreatedAt:     now,
		}
	}

	stored, err := s.adapter.Append(ctx, records, config.expect...)
	if err != nil {
		return nil, err
	}

	result := make([]Versioned[E], len(stored))
	for i, st := range stored {
		result[i] = Versioned[E]{
			Event:           events[i],
			Version:         st.EventID,
			PreviousVersion: st.PreviousID,
			Sequence:        st.Sequence,
		}
	}

	s.logger.Debug("events saved", "count", len(stored), "last_sequence", stored[len(stored)-1].Sequence)
	s.publish(ctx, stored, events)

	return result, nil
}

// VersionProvider returns the latest version of the event's stream.
// The boolean is false if the stream has no events yet.
func (s *EventStore[E]) VersionProvider(ctx context.Context, event E) (string, bool, error) {
	return s.adapter.LatestEventID(ctx, KeyOf(event))
}

// LatestVersion returns the latest version of a stream.
func (s *EventStore[E]) LatestVersion(ctx context.Context, key StreamKey) (string, bool, error) {
	return s.adapter.LatestEventID(ctx, key)
}

// QueryAll returns every stored event across all streams, by sequence.
func (s *EventStore[E]) QueryAll(ctx context.Context) ([]StoredEvent, error) {
	return s.adapter.LoadAll(ctx)
}

// QuerySinceSequence returns stored events with a sequence greater than n.
func (s *EventStore[E]) QuerySinceSequence(ctx context.Context, n int64) ([]StoredEvent, error) {
	return s.adapter.LoadSince(ctx, n)
}

// EarliestSequence returns the lowest sequence, false if the store is empty.
func (s *EventStore[E]) EarliestSequence(ctx context.Context) (int64, bool, error) {
	b, ok, err := s.adapter.Bounds(ctx)
	return b.Earliest, ok, err
}

// LatestSequence returns the highest sequence, false if the store is empty.
func (s *EventStore[E]) LatestSequence(ctx context.Context) (int64, bool, error) {
	b, ok, err := s.adapter.Bounds(ctx)
	return b.Latest, ok, err
}

// Decode turns a stored record back into an event, upcasting its payload first.
func (s *EventStore[E]) Decode(stored StoredEvent) (E, error) {
	var zero E

	payload, version := stored.Payload, stored.SchemaVersion
	for _, up := range s.upcasters {
		var err error
		payload, version, err = up(stored.EventType, version, payload)
		if err != nil {
			return zero, NewSerializationError(stored.EventType, "upcast", err)
		}
	}

	data, err := s.serializer.Deserialize(payload, stored.EventType)
	if err != nil {
		return zero, err
	}

	event, ok := data.(E)
	if !ok {
		return zero, NewSerializationError(stored.EventType, "deserialize",
			fmt.Errorf("decoded %T does not implement %T", data, zero))
	}
	return event, nil
}

// DecodeVersioned decodes a stored record into a Versioned event.
func (s *EventStore[E]) DecodeVersioned(stored StoredEvent) (Versioned[E], error) {
	event, err := s.Decode(stored)
	if err != nil {
		return Versioned[E]{}, err
	}
	return Versioned[E]{
		Event:           event,
		Version:         stored.EventID,
		PreviousVersion: stored.PreviousID,
		Sequence:        stored.Sequence,
	}, nil
}

func (s *EventStore[E]) decodeAll(stored []StoredEvent) ([]Versioned[E], error) {
	result := make([]Versioned[E], len(stored))
	for i, st := range stored {
		v, err := s.DecodeVersioned(st)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// publish notifies the bus on a detached goroutine. Failures are logged
// and never reach the caller of Save.
func (s *EventStore[E]) publish(ctx context.Context, stored []StoredEvent, events []E) {
	if s.publisher == nil {
		return
	}

	messages := make([]bus.Message, 0, len(stored))
	for i, st := range stored {
		data, err := json.Marshal(events[i])
		if err != nil {
			s.logger.Warn("event not published", "event_id", st.EventID, "error", err)
			continue
		}
		payload, err := bus.EnvelopeFrom(st, data).Encode()
		if err != nil {
			s.logger.Warn("event not published", "event_id", st.EventID, "error", err)
			continue
		}
		messages = append(messages, bus.Message{
			Key:     bus.SequencedKey(st.AggregateType, st.AggregateID, st.Sequence),
			Payload: payload,
		})
	}

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
		defer cancel()

		for _, msg := range messages {
			if err := s.publisher.Publish(pubCtx, msg); err != nil {
				s.logger.Warn("event publish failed", "key", msg.Key, "error", err)
			}
		}
	}()
}

// Drain waits for background publications to finish.
func (s *EventStore[E]) Drain() {
	s.publishing.Wait()
}

// Initialize sets up the required storage schema.
func (s *EventStore[E]) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close waits for pending publications and releases the adapter.
func (s *EventStore[E]) Close() error {
	s.Drain()
	return s.adapter.Close()
}
