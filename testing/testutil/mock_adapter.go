package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// MockAdapter is a scriptable adapters.EventStoreAdapter for testing
// decorators. Appends are chained per stream but never rejected unless
// AppendErr is set.
type MockAdapter struct {
	AppendErr error
	LoadErr   error
	BoundsErr error
	Events    []adapters.StoredEvent

	mu    sync.Mutex
	calls []string
}

var _ adapters.EventStoreAdapter = (*MockAdapter)(nil)

func (m *MockAdapter) record(op string) {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	m.mu.Unlock()
}

// Calls returns the names of the operations invoked so far.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Append implements adapters.EventStoreAdapter.
func (m *MockAdapter) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	m.record("Append")
	if m.AppendErr != nil {
		return nil, m.AppendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]adapters.StoredEvent, len(records))
	for i, r := range records {
		previous := ""
		for _, e := range m.Events {
			if e.Key() == r.Key() {
				previous = e.EventID
			}
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		stored[i] = adapters.Stored(r, int64(len(m.Events)+1), previous)
		m.Events = append(m.Events, stored[i])
	}
	return stored, nil
}

// Load implements adapters.EventStoreAdapter.
func (m *MockAdapter) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	m.record("Load")
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.filter(func(e adapters.StoredEvent) bool { return e.Key() == key }), nil
}

// LatestEventID implements adapters.EventStoreAdapter.
func (m *MockAdapter) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	m.record("LatestEventID")
	if m.LoadErr != nil {
		return "", false, m.LoadErr
	}
	events := m.filter(func(e adapters.StoredEvent) bool { return e.Key() == key })
	if len(events) == 0 {
		return "", false, nil
	}
	return events[len(events)-1].EventID, true, nil
}

// LoadAll implements adapters.EventStoreAdapter.
func (m *MockAdapter) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	m.record("LoadAll")
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.filter(func(adapters.StoredEvent) bool { return true }), nil
}

// LoadSince implements adapters.EventStoreAdapter.
func (m *MockAdapter) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	m.record("LoadSince")
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.filter(func(e adapters.StoredEvent) bool { return e.Sequence > sequence }), nil
}

// Bounds implements adapters.EventStoreAdapter.
func (m *MockAdapter) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	m.record("Bounds")
	if m.BoundsErr != nil {
		return adapters.Bounds{}, false, m.BoundsErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) == 0 {
		return adapters.Bounds{}, false, nil
	}
	return adapters.Bounds{
		Earliest: m.Events[0].Sequence,
		Latest:   m.Events[len(m.Events)-1].Sequence,
	}, true, nil
}

// Initialize implements adapters.EventStoreAdapter.
func (m *MockAdapter) Initialize(ctx context.Context) error {
	m.record("Initialize")
	return nil
}

// Close implements adapters.EventStoreAdapter.
func (m *MockAdapter) Close() error {
	m.record("Close")
	return nil
}

func (m *MockAdapter) filter(keep func(adapters.StoredEvent) bool) []adapters.StoredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []adapters.StoredEvent
	for _, e := range m.Events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
