// Package memory provides an in-memory implementation of the event store adapter.
// This adapter is primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"

	"github.com/juju/clock"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
	_ adapters.StatsProvider     = (*MemoryAdapter)(nil)
)

// MemoryAdapter is an in-memory implementation of EventStoreAdapter.
// A single mutex plays the role of the storage engine's transaction:
// the read-latest-then-insert section of Append runs under it.
type MemoryAdapter struct {
	mu           sync.RWMutex
	streams      map[adapters.StreamKey]*streamData
	globalEvents []adapters.StoredEvent
	sequence     int64
	clock        clock.Clock
	closed       bool
}

type streamData struct {
	events []adapters.StoredEvent
	ids    map[string]struct{}
	final  bool
}

func (s *streamData) head() adapters.StreamHead {
	if len(s.events) == 0 {
		return adapters.StreamHead{}
	}
	return adapters.StreamHead{
		LatestID: s.events[len(s.events)-1].EventID,
		Exists:   true,
		Final:    s.final,
	}
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock sets the clock used to stamp records without a creation time.
func WithClock(c clock.Clock) Option {
	return func(a *MemoryAdapter) {
		a.clock = c
	}
}

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams: make(map[adapters.StreamKey]*streamData),
		clock:   clock.WallClock,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores records atomically. Either every record is stored or none is.
func (a *MemoryAdapter) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := adapters.ValidateRecords(records); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	planner := adapters.NewChainPlanner(expect)
	for _, e := range expect {
		if err := planner.SetHead(e.Key, a.headOf(e.Key)); err != nil {
			return nil, err
		}
	}

	// Plan the whole batch before touching state.
	now := a.clock.Now()
	seq := a.sequence
	stored := make([]adapters.StoredEvent, len(records))
	pending := make(map[adapters.StreamKey]map[string]struct{})
	for i, r := range records {
		key := r.Key()
		if !planner.Known(key) {
			if err := planner.SetHead(key, a.headOf(key)); err != nil {
				return nil, err
			}
		}
		if a.hasEventID(key, r.EventID) || hasPending(pending, key, r.EventID) {
			return nil, adapters.NewConcurrencyError(key, "", r.EventID)
		}
		previous, err := planner.Next(r)
		if err != nil {
			return nil, err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		seq++
		stored[i] = adapters.Stored(r, seq, previous)
		if pending[key] == nil {
			pending[key] = make(map[string]struct{})
		}
		pending[key][r.EventID] = struct{}{}
	}

	for _, e := range stored {
		key := e.Key()
		stream, ok := a.streams[key]
		if !ok {
			stream = &streamData{ids: make(map[string]struct{})}
			a.streams[key] = stream
		}
		stream.events = append(stream.events, e)
		stream.ids[e.EventID] = struct{}{}
		stream.final = stream.final || e.Final
		a.globalEvents = append(a.globalEvents, e)
	}
	a.sequence = seq

	return copyEvents(stored), nil
}

func (a *MemoryAdapter) headOf(key adapters.StreamKey) adapters.StreamHead {
	stream, ok := a.streams[key]
	if !ok {
		return adapters.StreamHead{}
	}
	return stream.head()
}

func (a *MemoryAdapter) hasEventID(key adapters.StreamKey, id string) bool {
	stream, ok := a.streams[key]
	if !ok {
		return false
	}
	_, found := stream.ids[id]
	return found
}

func hasPending(pending map[adapters.StreamKey]map[string]struct{}, key adapters.StreamKey, id string) bool {
	_, found := pending[key][id]
	return found
}

// Load retrieves all events of a stream in sequence order.
func (a *MemoryAdapter) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[key]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}
	return copyEvents(stream.events), nil
}

// LatestEventID returns the id of the last event of a stream.
func (a *MemoryAdapter) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := key.Validate(); err != nil {
		return "", false, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return "", false, adapters.ErrAdapterClosed
	}

	head := a.headOf(key)
	return head.LatestID, head.Exists, nil
}

// LoadAll returns every event in sequence order.
func (a *MemoryAdapter) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	return a.LoadSince(ctx, 0)
}

// LoadSince returns events with a sequence greater than the given one.
func (a *MemoryAdapter) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	events := make([]adapters.StoredEvent, 0)
	for _, event := range a.globalEvents {
		if event.Sequence > sequence {
			events = append(events, event)
		}
	}
	return copyEvents(events), nil
}

// Bounds returns the first and last sequence in the store.
func (a *MemoryAdapter) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	if err := ctx.Err(); err != nil {
		return adapters.Bounds{}, false, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.Bounds{}, false, adapters.ErrAdapterClosed
	}
	if len(a.globalEvents) == 0 {
		return adapters.Bounds{}, false, nil
	}
	return adapters.Bounds{
		Earliest: a.globalEvents[0].Sequence,
		Latest:   a.globalEvents[len(a.globalEvents)-1].Sequence,
	}, true, nil
}

// Stats counts events and streams.
func (a *MemoryAdapter) Stats(ctx context.Context) (adapters.Stats, error) {
	bounds, _, err := a.Bounds(ctx)
	if err != nil {
		return adapters.Stats{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := adapters.Stats{Events: int64(len(a.globalEvents)), Bounds: bounds}
	for _, s := range a.streams {
		if len(s.events) == 0 {
			continue
		}
		stats.Streams++
		if s.final {
			stats.FinalizedStreams++
		}
	}
	return stats, nil
}

// Close releases any resources held by the adapter.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// Ping checks if the adapter is healthy.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[adapters.StreamKey]*streamData)
	a.globalEvents = nil
	a.sequence = 0
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

func copyEvents(events []adapters.StoredEvent) []adapters.StoredEvent {
	out := make([]adapters.StoredEvent, len(events))
	for i, e := range events {
		if e.Payload != nil {
			e.Payload = append([]byte(nil), e.Payload...)
		}
		out[i] = e
	}
	return out
}
