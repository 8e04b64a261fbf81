package feed

import (
	"context"
	"encoding/json"
	"fmt"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// Source is the part of the store a replay reads from.
// Every adapters.EventStoreAdapter satisfies it.
type Source interface {
	LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error)
}

// RenderFunc turns a stored event into the JSON body sent to clients.
type RenderFunc func(stored adapters.StoredEvent) ([]byte, error)

// RawJSON sends the stored payload as is. It suits stores using the JSON serializer.
func RawJSON(stored adapters.StoredEvent) ([]byte, error) {
	if !json.Valid(stored.Payload) {
		return nil, fmt.Errorf("stoat/feed: payload of event %s is not JSON", stored.EventID)
	}
	return stored.Payload, nil
}

// Decoded renders events by decoding them with the store's serializer and
// upcasters and marshaling the result to JSON, matching live notifications.
func Decoded[E stoat.Event](store *stoat.EventStore[E]) RenderFunc {
	return func(stored adapters.StoredEvent) ([]byte, error) {
		event, err := store.Decode(stored)
		if err != nil {
			return nil, err
		}
		return json.Marshal(event)
	}
}

// StoreReplay returns a ReplayFunc reading from src. A nil render uses RawJSON.
func StoreReplay(src Source, render RenderFunc) ReplayFunc {
	if render == nil {
		render = RawJSON
	}

	return func(ctx context.Context, pattern string, after int64) ([]Item, error) {
		stored, err := src.LoadSince(ctx, after)
		if err != nil {
			return nil, err
		}

		items := make([]Item, 0, len(stored))
		for _, st := range stored {
			key := bus.SequencedKey(st.AggregateType, st.AggregateID, st.Sequence)
			if !bus.Match(pattern, key) {
				continue
			}
			data, err := render(st)
			if err != nil {
				return nil, err
			}
			items = append(items, Item{
				Kind:      KindEvent,
				Sequence:  st.Sequence,
				Key:       key,
				EventType: st.EventType,
				Data:      data,
			})
		}
		return items, nil
	}
}
