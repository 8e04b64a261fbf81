// Package adaptertest provides a behavioral test suite that every
// adapters.EventStoreAdapter implementation must pass.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Factory returns a fresh, initialized and empty adapter.
// Cleanup should be registered on t.
type Factory func(t *testing.T) adapters.EventStoreAdapter

// Record builds a record with a random event id.
func Record(aggregateType, aggregateID, eventType string) adapters.EventRecord {
	return adapters.EventRecord{
		EventID:       uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		SchemaVersion: adapters.SchemaVersion,
		Payload:       []byte(fmt.Sprintf(`{"type":%q}`, eventType)),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// FinalRecord builds a record that closes its stream.
func FinalRecord(aggregateType, aggregateID, eventType string) adapters.EventRecord {
	r := Record(aggregateType, aggregateID, eventType)
	r.Final = true
	return r
}

// Run executes the suite against adapters built by newAdapter.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("first event has no predecessor", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		stored, err := a.Append(ctx, []adapters.EventRecord{first}, adapters.Expectation{Key: first.Key()})
		require.NoError(t, err)
		require.Len(t, stored, 1)

		assert.Equal(t, first.EventID, stored[0].EventID)
		assert.Empty(t, stored[0].PreviousID)
		assert.Positive(t, stored[0].Sequence)
		assert.Equal(t, "Created", stored[0].EventType)
		assert.Equal(t, adapters.SchemaVersion, stored[0].SchemaVersion)
		assert.JSONEq(t, string(first.Payload), string(stored[0].Payload))
	})

	t.Run("events chain to their predecessor", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		second := Record("Todo", "1", "Completed")
		_, err := a.Append(ctx, []adapters.EventRecord{first})
		require.NoError(t, err)

		stored, err := a.Append(ctx, []adapters.EventRecord{second}, adapters.Expectation{Key: second.Key(), PreviousID: first.EventID})
		require.NoError(t, err)
		assert.Equal(t, first.EventID, stored[0].PreviousID)

		loaded, err := a.Load(ctx, first.Key())
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, first.EventID, loaded[0].EventID)
		assert.Equal(t, second.EventID, loaded[1].EventID)
		assert.Less(t, loaded[0].Sequence, loaded[1].Sequence)

		latest, ok, err := a.LatestEventID(ctx, first.Key())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, second.EventID, latest)
	})

	t.Run("batch chains within the same stream", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		batch := []adapters.EventRecord{
			Record("Todo", "1", "Created"),
			Record("Todo", "1", "Renamed"),
			Record("Todo", "1", "Completed"),
		}
		stored, err := a.Append(ctx, batch)
		require.NoError(t, err)
		require.Len(t, stored, 3)
		assert.Empty(t, stored[0].PreviousID)
		assert.Equal(t, batch[0].EventID, stored[1].PreviousID)
		assert.Equal(t, batch[1].EventID, stored[2].PreviousID)
	})

	t.Run("stale expectation is a conflict", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		_, err := a.Append(ctx, []adapters.EventRecord{first})
		require.NoError(t, err)
		_, err = a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Renamed")})
		require.NoError(t, err)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Completed")},
			adapters.Expectation{Key: first.Key(), PreviousID: first.EventID})
		require.Error(t, err)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		var conflict *adapters.ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		assert.NotEmpty(t, conflict.CorrelationID)

		loaded, err := a.Load(ctx, first.Key())
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	})

	t.Run("expecting an empty stream fails when it has events", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		_, err := a.Append(ctx, []adapters.EventRecord{first})
		require.NoError(t, err)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Created")}, adapters.Expectation{Key: first.Key()})
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("duplicate event id in a stream is a conflict", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		_, err := a.Append(ctx, []adapters.EventRecord{first})
		require.NoError(t, err)

		again := Record("Todo", "1", "Renamed")
		again.EventID = first.EventID
		_, err = a.Append(ctx, []adapters.EventRecord{again})
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("final event closes the stream", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, err := a.Append(ctx, []adapters.EventRecord{Record("Session", "s1", "Started")})
		require.NoError(t, err)
		closing := FinalRecord("Session", "s1", "Ended")
		stored, err := a.Append(ctx, []adapters.EventRecord{closing})
		require.NoError(t, err)
		assert.True(t, stored[0].Final)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("Session", "s1", "Started")})
		require.Error(t, err)
		assert.ErrorIs(t, err, adapters.ErrStreamFinalized)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("Session", "s1", "Started")},
			adapters.Expectation{Key: closing.Key(), PreviousID: closing.EventID})
		assert.ErrorIs(t, err, adapters.ErrStreamFinalized)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("Session", "s2", "Started")})
		assert.NoError(t, err, "other streams stay open")
	})

	t.Run("record after final record in one batch is rejected", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, err := a.Append(ctx, []adapters.EventRecord{
			FinalRecord("Session", "s1", "Ended"),
			Record("Session", "s1", "Started"),
		})
		assert.ErrorIs(t, err, adapters.ErrStreamFinalized)

		loaded, err := a.Load(ctx, adapters.NewStreamKey("Session", "s1"))
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("multi-stream append is atomic", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		existing := Record("Todo", "2", "Created")
		_, err := a.Append(ctx, []adapters.EventRecord{existing})
		require.NoError(t, err)

		_, err = a.Append(ctx, []adapters.EventRecord{
			Record("Todo", "1", "Created"),
			Record("Todo", "2", "Renamed"),
		}, adapters.Expectation{Key: existing.Key(), PreviousID: "stale"})
		require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		loaded, err := a.Load(ctx, adapters.NewStreamKey("Todo", "1"))
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("concurrent appends on one predecessor admit exactly one", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		first := Record("Todo", "1", "Created")
		_, err := a.Append(ctx, []adapters.EventRecord{first})
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Renamed")},
					adapters.Expectation{Key: first.Key(), PreviousID: first.EventID})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, succeeded)

		loaded, err := a.Load(ctx, first.Key())
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	})

	t.Run("queries by sequence", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, ok, err := a.Bounds(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := a.LoadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		first, err := a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Created")})
		require.NoError(t, err)
		second, err := a.Append(ctx, []adapters.EventRecord{Record("Todo", "2", "Created")})
		require.NoError(t, err)
		third, err := a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Completed")})
		require.NoError(t, err)

		bounds, ok, err := a.Bounds(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first[0].Sequence, bounds.Earliest)
		assert.Equal(t, third[0].Sequence, bounds.Latest)

		all, err = a.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)

		since, err := a.LoadSince(ctx, first[0].Sequence)
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, second[0].EventID, since[0].EventID)
		assert.Equal(t, third[0].EventID, since[1].EventID)

		tail, err := a.LoadSince(ctx, bounds.Latest)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("unknown stream is empty", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		loaded, err := a.Load(ctx, adapters.NewStreamKey("Todo", "missing"))
		require.NoError(t, err)
		assert.Empty(t, loaded)

		_, ok, err := a.LatestEventID(ctx, adapters.NewStreamKey("Todo", "missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()

		_, err := a.Append(ctx, nil)
		assert.ErrorIs(t, err, adapters.ErrNoEvents)

		_, err = a.Append(ctx, []adapters.EventRecord{Record("", "1", "Created")})
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamKey)

		_, err = a.Load(ctx, adapters.StreamKey{})
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamKey)
	})

	t.Run("initialize is idempotent", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.Initialize(context.Background()))
		require.NoError(t, a.Initialize(context.Background()))
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		a := newAdapter(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := a.Append(ctx, []adapters.EventRecord{Record("Todo", "1", "Created")})
		assert.Error(t, err)
	})
}
