package protobuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cache"
)

type plainEvent struct {
	ID string
}

// =============================================================================
// Register Tests
// =============================================================================

func TestSerializer_Register(t *testing.T) {
	t.Run("registers message type", func(t *testing.T) {
		s := NewSerializer()
		require.NoError(t, s.TryRegister("Title", &wrapperspb.StringValue{}))

		_, ok := s.Registry().Lookup("Title")
		assert.True(t, ok)
	})

	t.Run("accepts message value", func(t *testing.T) {
		s := NewSerializer()
		require.NoError(t, s.TryRegister("Count", &wrapperspb.Int64Value{}))
		assert.Equal(t, 1, s.Registry().Count())
	})

	t.Run("rejects non-message", func(t *testing.T) {
		s := NewSerializer()
		err := s.TryRegister("Plain", plainEvent{})

		assert.ErrorIs(t, err, ErrNotProtoMessage)
		assert.ErrorIs(t, err, stoat.ErrSerializationFailed)
		assert.Equal(t, 0, s.Registry().Count())
	})

	t.Run("rejects nil", func(t *testing.T) {
		s := NewSerializer()
		assert.ErrorIs(t, s.TryRegister("Nil", nil), ErrNotProtoMessage)
	})

	t.Run("Register panics on non-message", func(t *testing.T) {
		s := NewSerializer()
		assert.Panics(t, func() { s.Register("Plain", plainEvent{}) })
		assert.NotPanics(t, func() { s.Register("Title", &wrapperspb.StringValue{}) })
	})

	t.Run("RegisterAll uses type names", func(t *testing.T) {
		s := NewSerializer()
		require.NoError(t, s.RegisterAll(&wrapperspb.StringValue{}, &wrapperspb.BoolValue{}))

		assert.ElementsMatch(t, []string{"StringValue", "BoolValue"}, s.Registry().RegisteredTypes())
	})

	t.Run("RegisterAll stops at first non-message", func(t *testing.T) {
		s := NewSerializer()
		err := s.RegisterAll(&wrapperspb.StringValue{}, plainEvent{})
		assert.ErrorIs(t, err, ErrNotProtoMessage)
	})

	t.Run("shares a registry", func(t *testing.T) {
		registry := stoat.NewEventRegistry()
		s := NewSerializer(WithRegistry(registry))
		s.Register("Title", &wrapperspb.StringValue{})

		_, ok := registry.Lookup("Title")
		assert.True(t, ok)
	})
}

// =============================================================================
// Serialize / Deserialize Tests
// =============================================================================

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	s.Register("Title", &wrapperspb.StringValue{})
	s.Register("Count", &wrapperspb.Int64Value{})
	s.Register("Blob", &wrapperspb.BytesValue{})

	tests := []struct {
		name      string
		eventType string
		event     proto.Message
	}{
		{"string", "Title", wrapperspb.String("unicode: 你好世界")},
		{"int64", "Count", wrapperspb.Int64(-9223372036854775808)},
		{"bytes", "Blob", wrapperspb.Bytes([]byte{0x00, 0x01, 0x02})},
		{"default values", "Title", wrapperspb.String("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Serialize(tt.event)
			require.NoError(t, err)

			result, err := s.Deserialize(data, tt.eventType)
			require.NoError(t, err)

			msg, ok := result.(proto.Message)
			require.True(t, ok)
			assert.True(t, proto.Equal(tt.event, msg))
		})
	}
}

func TestSerializer_Deserialize_ReturnsPointer(t *testing.T) {
	s := NewSerializer()
	s.Register("Title", &wrapperspb.StringValue{})

	data, err := s.Serialize(wrapperspb.String("buy milk"))
	require.NoError(t, err)

	result, err := s.Deserialize(data, "Title")
	require.NoError(t, err)

	title, ok := result.(*wrapperspb.StringValue)
	require.True(t, ok)
	assert.Equal(t, "buy milk", title.GetValue())
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()
	s.Register("Title", &wrapperspb.StringValue{})

	t.Run("nil event", func(t *testing.T) {
		_, err := s.Serialize(nil)
		assert.ErrorIs(t, err, stoat.ErrSerializationFailed)
	})

	t.Run("non-message event", func(t *testing.T) {
		_, err := s.Serialize(plainEvent{ID: "1"})
		assert.ErrorIs(t, err, ErrNotProtoMessage)

		var serErr *stoat.SerializationError
		require.ErrorAs(t, err, &serErr)
		assert.Equal(t, "serialize", serErr.Operation)
	})

	t.Run("unregistered type", func(t *testing.T) {
		_, err := s.Deserialize([]byte{}, "Unknown")
		assert.ErrorIs(t, err, stoat.ErrEventTypeNotRegistered)
	})

	t.Run("corrupt data", func(t *testing.T) {
		_, err := s.Deserialize([]byte{0xff, 0xff, 0xff}, "Title")
		assert.ErrorIs(t, err, stoat.ErrSerializationFailed)
	})
}

func TestSerializer_Concurrency(t *testing.T) {
	s := NewSerializer()
	s.Register("Count", &wrapperspb.Int64Value{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			data, err := s.Serialize(wrapperspb.Int64(n))
			if !assert.NoError(t, err) {
				return
			}
			result, err := s.Deserialize(data, "Count")
			if assert.NoError(t, err) {
				assert.Equal(t, n, result.(*wrapperspb.Int64Value).GetValue())
			}
		}(int64(i))
	}
	wg.Wait()
}

// =============================================================================
// Codec Tests
// =============================================================================

func TestCodec(t *testing.T) {
	t.Run("typed cache of message pointers", func(t *testing.T) {
		typed := cache.NewTyped[*wrapperspb.StringValue](cache.New(), Codec{})

		require.NoError(t, typed.Insert("title:1", wrapperspb.String("buy milk")))

		got, ok, err := typed.Get("title:1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "buy milk", got.GetValue())
	})

	t.Run("unmarshal into message", func(t *testing.T) {
		data, err := Codec{}.Marshal(wrapperspb.Bool(true))
		require.NoError(t, err)

		var v wrapperspb.BoolValue
		require.NoError(t, Codec{}.Unmarshal(data, &v))
		assert.True(t, v.GetValue())
	})

	t.Run("non-message values", func(t *testing.T) {
		_, err := Codec{}.Marshal(plainEvent{})
		assert.ErrorIs(t, err, ErrNotProtoMessage)

		var p plainEvent
		assert.ErrorIs(t, Codec{}.Unmarshal(nil, &p), ErrNotProtoMessage)
	})

	t.Run("corrupt bytes are reported by the typed cache", func(t *testing.T) {
		typed := cache.NewTyped[*wrapperspb.StringValue](cache.New(), Codec{})
		typed.Cache().Insert("title:2", []byte{0xff, 0xff})

		_, _, err := typed.Get("title:2")
		assert.ErrorIs(t, err, cache.ErrCodec)
	})
}

// =============================================================================
// Benchmark Tests
// =============================================================================

func BenchmarkSerializer_RoundTrip(b *testing.B) {
	s := NewSerializer()
	s.Register("Title", &wrapperspb.StringValue{})
	event := wrapperspb.String("buy milk")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := s.Serialize(event)
		_, _ = s.Deserialize(data, "Title")
	}
}
