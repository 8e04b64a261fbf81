package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

func TestEnvelope(t *testing.T) {
	stored := adapters.StoredEvent{
		Sequence:      3,
		EventID:       "e3",
		PreviousID:    "e2",
		AggregateType: "Todo",
		AggregateID:   "1",
		EventType:     "TodoCompleted",
		SchemaVersion: 1,
		Final:         true,
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	env := EnvelopeFrom(stored, []byte(`{"id":"1"}`))
	assert.Equal(t, "events/Todo/1/3", env.Key())

	payload, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"data":{"id":"1"}`)
	assert.Contains(t, string(payload), `"event_type":"TodoCompleted"`)

	decoded, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, env.Sequence, decoded.Sequence)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.PreviousID, decoded.PreviousID)
	assert.True(t, decoded.Final)
	assert.True(t, env.CreatedAt.Equal(decoded.CreatedAt))
	assert.JSONEq(t, `{"id":"1"}`, string(decoded.Data))
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"sequence":1}`))
	assert.Error(t, err)
}

func TestEnvelope_EncodesNullData(t *testing.T) {
	payload, err := Envelope{AggregateType: "Todo", AggregateID: "1", EventType: "X"}.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"data":null`)
}
