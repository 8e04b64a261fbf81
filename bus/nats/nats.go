// Package nats provides an event bus over NATS core pub/sub.
//
// Event keys map onto subjects by turning "/" into ".", so
// "events/Todo/42/7" travels on "events.Todo.42.7" and the pattern
// "events/Todo/**" subscribes to "events.Todo" and "events.Todo.>".
// Delivery is at-most-once per connection; the feed covers gaps by replaying
// from the store on reconnect.
package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// DefaultFlushTimeout bounds the round trip that makes a new subscription live.
const DefaultFlushTimeout = 5 * time.Second

var _ bus.Bus = (*Bus)(nil)

// Bus is a bus.Bus backed by a NATS connection.
type Bus struct {
	nc           *natsgo.Conn
	closeNc      closeFunc
	logger       bus.Logger
	flushTimeout time.Duration

	mu   sync.Mutex
	subs map[*bus.QueueSubscription][]*natsgo.Subscription

	closed atomic.Bool
}

type options struct {
	connect      Connector
	logger       bus.Logger
	flushTimeout time.Duration
}

// Option configures a Bus.
type Option func(*options)

// WithConnector sets how the connection is opened. Defaults to ConnectDefault().
func WithConnector(c Connector) Option {
	return func(o *options) {
		o.connect = c
	}
}

// WithURL connects to natsURL.
func WithURL(natsURL string) Option {
	return WithConnector(ConnectURL(natsURL))
}

// WithLogger sets the bus logger.
func WithLogger(l bus.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFlushTimeout sets the subscription flush timeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		o.flushTimeout = d
	}
}

// NewBus connects and returns a Bus.
func NewBus(opts ...Option) (*Bus, error) {
	o := options{
		logger:       bus.NopLogger(),
		flushTimeout: DefaultFlushTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.connect == nil {
		o.connect = ConnectDefault()
	}

	nc, closeNc, err := o.connect()
	if err != nil {
		return nil, fmt.Errorf("stoat/nats: connect: %w", err)
	}

	return &Bus{
		nc:           nc,
		closeNc:      closeNc,
		logger:       o.logger,
		flushTimeout: o.flushTimeout,
		subs:         make(map[*bus.QueueSubscription][]*natsgo.Subscription),
	}, nil
}

// Conn returns the underlying connection.
func (b *Bus) Conn() *natsgo.Conn {
	return b.nc
}

// Publish sends msg on the subject derived from its key.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	if b.closed.Load() {
		return bus.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.nc.Publish(Subject(msg.Key), msg.Payload); err != nil {
		return bus.NewPublishError("nats", msg.Key, err)
	}
	return nil
}

// Subscribe registers interest in pattern and waits for the server to
// acknowledge it, so the subscription is live when Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (bus.Subscription, error) {
	if b.closed.Load() {
		return nil, bus.ErrBusClosed
	}
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	var queue *bus.QueueSubscription
	queue = bus.NewQueueSubscription(pattern, func() { b.remove(queue) })

	handler := func(m *natsgo.Msg) {
		key := Key(m.Subject)
		if !bus.Match(pattern, key) {
			return
		}
		queue.Push(bus.Message{Key: key, Payload: m.Data})
	}

	var natsSubs []*natsgo.Subscription
	for _, subject := range Subjects(pattern) {
		sub, err := b.nc.Subscribe(subject, handler)
		if err != nil {
			unsubscribeAll(natsSubs)
			_ = queue.Close()
			return nil, fmt.Errorf("stoat/nats: subscribe %q: %w", subject, err)
		}
		natsSubs = append(natsSubs, sub)
	}

	b.mu.Lock()
	b.subs[queue] = natsSubs
	b.mu.Unlock()

	if err := b.flush(ctx); err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("stoat/nats: flush subscription: %w", err)
	}

	b.logger.Debug("subscribed", "pattern", pattern)
	return queue, nil
}

func (b *Bus) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return b.nc.FlushWithContext(ctx)
	}
	return b.nc.FlushTimeout(b.flushTimeout)
}

func (b *Bus) remove(queue *bus.QueueSubscription) {
	b.mu.Lock()
	natsSubs := b.subs[queue]
	delete(b.subs, queue)
	b.mu.Unlock()

	unsubscribeAll(natsSubs)
}

func unsubscribeAll(subs []*natsgo.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

// Close closes every subscription, drains the connection and closes it.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	queues := make([]*bus.QueueSubscription, 0, len(b.subs))
	for q := range b.subs {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		_ = q.Close()
	}

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn("nats drain failed", "error", err)
		}
		b.closeNc()
	}
	return nil
}
