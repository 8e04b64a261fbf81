package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Envelope is the JSON document published for every stored event.
type Envelope struct {
	Sequence      int64           `json:"sequence"`
	EventID       string          `json:"event_id"`
	PreviousID    string          `json:"previous_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	CommandID     string          `json:"command_id,omitempty"`
	Final         bool            `json:"final"`
	CreatedAt     time.Time       `json:"created_at"`
	Data          json.RawMessage `json:"data"`
}

// EnvelopeFrom builds the envelope for a stored event whose body,
// encoded as JSON, is data.
func EnvelopeFrom(e adapters.StoredEvent, data []byte) Envelope {
	return Envelope{
		Sequence:      e.Sequence,
		EventID:       e.EventID,
		PreviousID:    e.PreviousID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		CommandID:     e.CommandID,
		Final:         e.Final,
		CreatedAt:     e.CreatedAt,
		Data:          json.RawMessage(data),
	}
}

// Key returns the sequenced key the envelope is published under.
func (e Envelope) Key() string {
	return SequencedKey(e.AggregateType, e.AggregateID, e.Sequence)
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses a published payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("stoat/bus: malformed envelope: %w", err)
	}
	if e.AggregateType == "" || e.AggregateID == "" || e.EventType == "" {
		return Envelope{}, fmt.Errorf("stoat/bus: malformed envelope: missing aggregate or event type")
	}
	return e, nil
}
