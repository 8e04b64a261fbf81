package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		key     string
		subject string
	}{
		{"events/Todo/42/7", "events.Todo.42.7"},
		{bus.EventKey("Todo", "a.b"), "events.Todo.a%2Eb"},
		{bus.EventKey("Todo", "a/b"), "events.Todo.a%2Fb"},
		{bus.EventKey("Todo", "a b*>"), "events.Todo.a%20b%2A%3E"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.subject, Subject(tt.key))
			assert.Equal(t, tt.key, Key(tt.subject))
		})
	}

	t.Run("escaped id round-trips through ParseKey", func(t *testing.T) {
		parts, err := bus.ParseKey(Key(Subject(bus.SequencedKey("Todo", "v1.2", 3))))
		require.NoError(t, err)
		assert.Equal(t, "v1.2", parts.AggregateID)
	})
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, []string{"events", "events.>"}, Subjects(bus.AllPattern()))
	assert.Equal(t, []string{"events.Todo", "events.Todo.>"}, Subjects(bus.TypePattern("Todo")))
	assert.Equal(t, []string{"events.*.1"}, Subjects("events/*/1"))
	assert.Equal(t, []string{">"}, Subjects("**"))
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	b, err := NewBus(WithURL(url))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func receive(t *testing.T, sub bus.Subscription) bus.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return bus.Message{}
}

func TestBus_Integration(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	t.Run("pattern routing", func(t *testing.T) {
		typ := "Nats" + time.Now().Format("150405.000")
		todos, err := b.Subscribe(ctx, bus.TypePattern(typ))
		require.NoError(t, err)
		defer todos.Close()

		one, err := b.Subscribe(ctx, bus.InstancePattern(typ, "1"))
		require.NoError(t, err)
		defer one.Close()

		require.NoError(t, b.Publish(ctx, bus.Message{Key: bus.SequencedKey(typ, "1", 1), Payload: []byte("a")}))
		require.NoError(t, b.Publish(ctx, bus.Message{Key: bus.SequencedKey(typ, "2", 2), Payload: []byte("b")}))

		msg := receive(t, todos)
		assert.Equal(t, bus.SequencedKey(typ, "1", 1), msg.Key)
		assert.Equal(t, "a", string(msg.Payload))
		assert.Equal(t, "b", string(receive(t, todos).Payload))
		assert.Equal(t, "a", string(receive(t, one).Payload))
	})

	t.Run("closed subscription stops delivery", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, bus.AllPattern())
		require.NoError(t, err)
		require.NoError(t, sub.Close())

		_, ok := <-sub.Messages()
		assert.False(t, ok)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := b.Subscribe(ctx, "events/**/x")
		assert.ErrorIs(t, err, bus.ErrInvalidPattern)
	})
}

func TestBus_Closed(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), bus.Message{Key: "events/Todo/1"})
	assert.ErrorIs(t, err, bus.ErrBusClosed)
	_, err = b.Subscribe(context.Background(), bus.AllPattern())
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}
