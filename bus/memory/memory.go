// Package memory provides an in-process event bus.
package memory

import (
	"context"
	"sync"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

var _ bus.Bus = (*Hub)(nil)

// Hub is an in-process bus. Subscriptions are registered synchronously,
// and each has its own unbounded queue, so Publish never blocks and never drops.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*bus.QueueSubscription]struct{}
	closed bool
	logger bus.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l bus.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*bus.QueueSubscription]struct{}),
		logger: bus.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers msg to every subscription whose pattern matches its key.
func (h *Hub) Publish(ctx context.Context, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return bus.ErrBusClosed
	}

	delivered := 0
	for sub := range h.subs {
		if bus.Match(sub.Pattern(), msg.Key) {
			sub.Push(msg)
			delivered++
		}
	}
	h.logger.Debug("message published", "key", msg.Key, "subscribers", delivered)
	return nil
}

// Subscribe registers a subscription. It is live when Subscribe returns.
func (h *Hub) Subscribe(ctx context.Context, pattern string) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, bus.ErrBusClosed
	}

	var sub *bus.QueueSubscription
	sub = bus.NewQueueSubscription(pattern, func() { h.remove(sub) })
	h.subs[sub] = struct{}{}
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *bus.QueueSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Close closes every subscription and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*bus.QueueSubscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
