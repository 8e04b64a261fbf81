package stoat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/testing/fixtures"
	"github.com/AshkanYarmoradi/go-stoat/testing/testutil"
)

// racingAdapter lets a rival writer append to the stream just before each
// of the first n appends, so the append it precedes loses the race.
type racingAdapter struct {
	adapters.EventStoreAdapter

	mu    sync.Mutex
	races int
	rival func(n int) adapters.EventRecord
	n     int
}

func (r *racingAdapter) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	r.mu.Lock()
	if r.races > 0 {
		r.races--
		r.n++
		if _, err := r.EventStoreAdapter.Append(ctx, []adapters.EventRecord{r.rival(r.n)}); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	r.mu.Unlock()
	return r.EventStoreAdapter.Append(ctx, records, expect...)
}

func rivalRename(n int) adapters.EventRecord {
	return adapters.EventRecord{
		EventID:       fmt.Sprintf("rival-%d", n),
		AggregateType: fixtures.TodoAggregate,
		AggregateID:   "1",
		EventType:     "TodoRenamed",
		Payload:       []byte(fmt.Sprintf(`{"id":"1","title":"rival %d"}`, n)),
	}
}

func newTodoHandler(adapter adapters.EventStoreAdapter, opts ...stoat.HandlerOption) (*stoat.CommandHandler[fixtures.TodoCommand, fixtures.TodoState, fixtures.TodoEvent], *stoat.EventStore[fixtures.TodoEvent]) {
	store := stoat.NewEventStore[fixtures.TodoEvent](adapter)
	store.RegisterEvents(fixtures.TodoEvents()...)
	return stoat.NewCommandHandler(store, fixtures.NewTodoDecider(), opts...), store
}

func TestCommandHandler_Lifecycle(t *testing.T) {
	ctx := context.Background()
	handler, _ := newTodoHandler(memory.NewAdapter())
	key := stoat.NewStreamKey("Todo", "1")

	added, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)
	require.Len(t, added, 1)

	renamed, err := handler.Handle(ctx, fixtures.RenameTodo{ID: "1", Title: "oat milk"})
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	assert.Equal(t, added[0].Version, renamed[0].PreviousVersion)

	_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	require.NoError(t, err)

	root, version, err := handler.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, fixtures.DoneTodo{Title: "oat milk"}, root.State())
	assert.Equal(t, int64(3), root.Version())
	assert.NotEmpty(t, version)
}

func TestCommandHandler_NoOp(t *testing.T) {
	ctx := context.Background()
	handler, store := newTodoHandler(memory.NewAdapter())

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	events, err := handler.Handle(ctx, fixtures.RenameTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)
	assert.Empty(t, events)

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCommandHandler_Rejected(t *testing.T) {
	handler, _ := newTodoHandler(memory.NewAdapter())

	_, err := handler.Handle(context.Background(), fixtures.CompleteTodo{ID: "404"})
	assert.ErrorIs(t, err, stoat.ErrCommandRejected)
	assert.ErrorIs(t, err, fixtures.ErrTodoNotFound)

	var rejected *stoat.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "CompleteTodo", rejected.CommandType)
	assert.Equal(t, "404", rejected.AggregateID)
}

func TestCommandHandler_Validation(t *testing.T) {
	handler, store := newTodoHandler(memory.NewAdapter())
	ctx := context.Background()

	t.Run("command validation", func(t *testing.T) {
		_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "  "})
		assert.ErrorIs(t, err, stoat.ErrValidationFailed)
		assert.ErrorIs(t, err, fixtures.ErrEmptyTitle)
	})

	t.Run("missing aggregate id", func(t *testing.T) {
		_, err := handler.Handle(ctx, fixtures.CompleteTodo{})
		assert.ErrorIs(t, err, stoat.ErrValidationFailed)
		assert.ErrorIs(t, err, stoat.ErrEmptyStreamKey)
	})

	t.Run("nil command", func(t *testing.T) {
		_, err := handler.Handle(ctx, nil)
		assert.ErrorIs(t, err, stoat.ErrNilCommand)
	})

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCommandHandler_Panic(t *testing.T) {
	store := stoat.NewEventStore[fixtures.TodoEvent](memory.NewAdapter())
	panicky := stoat.DeciderFuncs[fixtures.TodoCommand, fixtures.TodoState, fixtures.TodoEvent]{
		DecideFunc: func(fixtures.TodoCommand, fixtures.TodoState) ([]fixtures.TodoEvent, error) {
			panic("boom")
		},
		EvolveFunc: func(s fixtures.TodoState, _ fixtures.TodoEvent) fixtures.TodoState { return s },
		InitialFunc: func() fixtures.TodoState {
			return fixtures.NoTodo{}
		},
	}
	handler := stoat.NewCommandHandler[fixtures.TodoCommand, fixtures.TodoState, fixtures.TodoEvent](store, panicky)

	_, err := handler.Handle(context.Background(), fixtures.CompleteTodo{ID: "1"})
	assert.ErrorIs(t, err, stoat.ErrHandlerPanicked)

	var perr *stoat.PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "boom", perr.Value)
}

func TestCommandHandler_CommandID(t *testing.T) {
	ctx := context.Background()
	handler, store := newTodoHandler(memory.NewAdapter())

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk", RequestID: "req-1"})
	require.NoError(t, err)

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "req-1", all[0].CommandID)
}

func TestCommandHandler_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	adapter := &racingAdapter{EventStoreAdapter: memory.NewAdapter(), rival: rivalRename}
	handler, store := newTodoHandler(adapter, stoat.WithRetryPolicy(stoat.RetryPolicy{
		Attempts: 3,
		Delay:    time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	}))

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	adapter.races = 2
	events, err := handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rival-2", events[0].PreviousVersion, "the winning attempt chains to the rival's last event")

	root, _, err := handler.Load(ctx, stoat.NewStreamKey("Todo", "1"))
	require.NoError(t, err)
	assert.Equal(t, fixtures.DoneTodo{Title: "rival 2"}, root.State())

	stored, err := store.Adapter().Load(ctx, stoat.NewStreamKey("Todo", "1"))
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestCommandHandler_ConflictsOutlastRetries(t *testing.T) {
	ctx := context.Background()
	adapter := &racingAdapter{EventStoreAdapter: memory.NewAdapter(), rival: rivalRename}
	handler, _ := newTodoHandler(adapter, stoat.WithRetryPolicy(stoat.RetryPolicy{
		Attempts: 2,
		Delay:    time.Millisecond,
		MaxDelay: time.Millisecond,
	}))

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	adapter.races = 10
	_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	require.Error(t, err)
	assert.True(t, stoat.IsConflict(err))

	var ce *stoat.ConcurrencyError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, 8, adapter.races, "one race per attempt")
}

func TestCommandHandler_NoRetry(t *testing.T) {
	ctx := context.Background()
	adapter := &racingAdapter{EventStoreAdapter: memory.NewAdapter(), rival: rivalRename}
	handler, _ := newTodoHandler(adapter, stoat.WithRetryPolicy(stoat.NoRetry))

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	adapter.races = 1
	_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	assert.ErrorIs(t, err, stoat.ErrConcurrencyConflict)
}

func TestCommandHandler_ErrorsKeepTheirType(t *testing.T) {
	ctx := context.Background()
	policies := map[string]stoat.RetryPolicy{
		"no retry": stoat.NoRetry,
		"default":  stoat.DefaultRetryPolicy,
	}

	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			handler, _ := newTodoHandler(memory.NewAdapter(), stoat.WithRetryPolicy(policy))

			_, err := handler.Handle(ctx, fixtures.CompleteTodo{ID: "404"})
			assert.ErrorIs(t, err, stoat.ErrCommandRejected)
			var rejected *stoat.RejectedError
			assert.True(t, errors.As(err, &rejected))

			failing := &testutil.MockAdapter{LoadErr: adapters.NewStorageError("load", errors.New("down"))}
			handler, _ = newTodoHandler(failing, stoat.WithRetryPolicy(policy))

			_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
			assert.ErrorIs(t, err, stoat.ErrStorage)
			var storageErr *stoat.StorageError
			assert.True(t, errors.As(err, &storageErr))
		})
	}
}

func TestCommandHandler_ZeroDelayRetriesAtOnce(t *testing.T) {
	ctx := context.Background()
	adapter := &racingAdapter{EventStoreAdapter: memory.NewAdapter(), rival: rivalRename}
	handler, _ := newTodoHandler(adapter, stoat.WithRetryPolicy(stoat.RetryPolicy{Attempts: 3}))

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	adapter.races = 1
	events, err := handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rival-1", events[0].PreviousVersion)
}

func TestCommandHandler_FinalizedByRival(t *testing.T) {
	ctx := context.Background()
	adapter := &racingAdapter{
		EventStoreAdapter: memory.NewAdapter(),
		rival: func(n int) adapters.EventRecord {
			return adapters.EventRecord{
				EventID:       "rival-archive",
				AggregateType: fixtures.TodoAggregate,
				AggregateID:   "1",
				EventType:     "TodoArchived",
				Payload:       []byte(`{"id":"1"}`),
				Final:         true,
			}
		},
	}
	handler, _ := newTodoHandler(adapter)

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	adapter.races = 1
	_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	assert.ErrorIs(t, err, stoat.ErrStreamFinalized)
	assert.Zero(t, adapter.races)

	_, err = handler.Handle(ctx, fixtures.CompleteTodo{ID: "1"})
	assert.ErrorIs(t, err, stoat.ErrCommandRejected, "the archived state rejects further commands")
}

func TestCommandHandler_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	handler, store := newTodoHandler(memory.NewAdapter(), stoat.WithRetryPolicy(stoat.RetryPolicy{
		Attempts: 20,
		Delay:    time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	}))

	_, err := handler.Handle(ctx, fixtures.AddTodo{ID: "1", Title: "milk"})
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := handler.Handle(ctx, fixtures.RenameTodo{ID: "1", Title: fmt.Sprintf("title %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	stored, err := store.Adapter().Load(ctx, stoat.NewStreamKey("Todo", "1"))
	require.NoError(t, err)
	require.Len(t, stored, writers+1)
	for i := 1; i < len(stored); i++ {
		assert.Equal(t, stored[i-1].EventID, stored[i].PreviousID, "event %d breaks the chain", i)
	}
}

func TestCommandHandler_SessionFinality(t *testing.T) {
	ctx := context.Background()
	store := stoat.NewEventStore[fixtures.SessionEvent](memory.NewAdapter())
	store.RegisterEvents(fixtures.SessionEvents()...)
	handler := stoat.NewCommandHandler(store, fixtures.NewSessionDecider())

	_, err := handler.Handle(ctx, fixtures.StartSession{ID: "s", User: "ana"})
	require.NoError(t, err)

	ended, err := handler.Handle(ctx, fixtures.EndSession{ID: "s"})
	require.NoError(t, err)
	require.Len(t, ended, 1)

	again, err := handler.Handle(ctx, fixtures.EndSession{ID: "s"})
	require.NoError(t, err)
	assert.Empty(t, again, "ending an ended session is a no-op")

	_, err = store.Save(ctx, []fixtures.SessionEvent{fixtures.SessionStarted{ID: "s", User: "bob"}})
	assert.ErrorIs(t, err, stoat.ErrStreamFinalized)
}
