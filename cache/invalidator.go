package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// ErrInvalidatorStarted is returned by Start on a running Invalidator.
var ErrInvalidatorStarted = errors.New("stoat/cache: invalidator already started")

// Logger defines the logging interface used by the cache.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Invalidator listens to every event on the bus and drops the cache
// entries whose prefixes depend on the event's aggregate type. Any
// instance of the type invalidates all of its dependents.
type Invalidator struct {
	cache      *Cache
	registry   *Registry
	subscriber bus.Subscriber
	logger     Logger

	mu   sync.Mutex
	sub  bus.Subscription
	done chan struct{}
}

// InvalidatorOption configures an Invalidator.
type InvalidatorOption func(*Invalidator)

// WithLogger sets the invalidator's logger.
func WithLogger(l Logger) InvalidatorOption {
	return func(i *Invalidator) {
		i.logger = l
	}
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(c *Cache, registry *Registry, subscriber bus.Subscriber, opts ...InvalidatorOption) *Invalidator {
	i := &Invalidator{
		cache:      c,
		registry:   registry,
		subscriber: subscriber,
		logger:     nopLogger{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start subscribes to events/** and processes notifications in the
// background. The subscription is live when Start returns.
func (i *Invalidator) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sub != nil {
		return ErrInvalidatorStarted
	}

	sub, err := i.subscriber.Subscribe(ctx, bus.AllPattern())
	if err != nil {
		return err
	}
	i.sub = sub
	i.done = make(chan struct{})

	go i.run(sub, i.done)
	return nil
}

func (i *Invalidator) run(sub bus.Subscription, done chan struct{}) {
	defer close(done)

	for msg := range sub.Messages() {
		i.Handle(msg)
	}
}

// Handle applies one notification.
func (i *Invalidator) Handle(msg bus.Message) int {
	parts, err := bus.ParseKey(msg.Key)
	if err != nil {
		i.logger.Warn("cache invalidation skipped", "key", msg.Key, "error", err)
		return 0
	}

	n := i.registry.Invalidate(i.cache, parts.AggregateType)
	if n > 0 {
		i.logger.Debug("cache entries invalidated", "aggregate_type", parts.AggregateType, "count", n)
	}
	return n
}

// Close stops the invalidator and waits for it to finish.
func (i *Invalidator) Close() error {
	i.mu.Lock()
	sub, done := i.sub, i.done
	i.sub, i.done = nil, nil
	i.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}
