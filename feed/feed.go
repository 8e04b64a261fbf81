// Package feed composes a live event feed out of a bus subscription, a
// replay from the event store and a periodic keep-alive.
//
// The subscription is always registered before the replay query runs, so
// an event committed while the feed is being set up is seen by at least one
// of the two. Live items at or below the highest replayed sequence are
// dropped, which makes the overlap invisible to the consumer.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// DefaultKeepAlive is the interval between keep-alive markers.
const DefaultKeepAlive = 15 * time.Second

var (
	// ErrNoSubscriber is returned when a Config has no Subscriber.
	ErrNoSubscriber = errors.New("stoat/feed: subscriber is required")

	// ErrNoReplay is returned when a Config has no Replay function.
	ErrNoReplay = errors.New("stoat/feed: replay function is required")
)

// Kind tells events and keep-alive markers apart.
type Kind int

const (
	// KindEvent is a stored event.
	KindEvent Kind = iota

	// KindKeepAlive is an inert heartbeat marker.
	KindKeepAlive
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindKeepAlive:
		return "keep-alive"
	default:
		return "unknown"
	}
}

// Item is one element of a feed.
type Item struct {
	Kind Kind

	// Sequence is the global store sequence, the client's resume token.
	Sequence int64

	// Key is the bus key of the event.
	Key string

	EventType string

	// Data is the JSON body of the event.
	Data []byte

	// Replayed is true for items that came from the store rather than the bus.
	Replayed bool
}

// KeepAlive returns a keep-alive marker.
func KeepAlive() Item {
	return Item{Kind: KindKeepAlive}
}

// ReplayFunc loads the stored events matching pattern with a sequence
// greater than after, in ascending sequence order.
type ReplayFunc func(ctx context.Context, pattern string, after int64) ([]Item, error)

// Logger defines the logging interface used by the feed.
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

// Config describes one feed.
type Config struct {
	// Subscriber provides the live subscription.
	Subscriber bus.Subscriber

	// Replay loads history.
	Replay ReplayFunc

	// Pattern selects the events. Defaults to bus.AllPattern().
	Pattern string

	// After is the last sequence the client has processed. Zero replays everything.
	After int64

	// KeepAlive is the heartbeat interval. Defaults to DefaultKeepAlive.
	KeepAlive time.Duration

	// Clock drives the heartbeat. Defaults to clock.WallClock.
	Clock clock.Clock

	Logger Logger
}

func (c *Config) defaults() error {
	if c.Subscriber == nil {
		return ErrNoSubscriber
	}
	if c.Replay == nil {
		return ErrNoReplay
	}
	if c.Pattern == "" {
		c.Pattern = bus.AllPattern()
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return bus.ValidatePattern(c.Pattern)
}

// Compose subscribes to the pattern, runs the replay, and returns a channel
// delivering every replayed item in order followed by live items and
// keep-alive markers as they arrive. Setup errors are returned directly.
//
// The channel is closed when ctx is done or the subscription ends. The
// subscription is released at that point.
func Compose(ctx context.Context, cfg Config) (<-chan Item, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	sub, err := cfg.Subscriber.Subscribe(ctx, cfg.Pattern)
	if err != nil {
		return nil, err
	}

	history, err := cfg.Replay(ctx, cfg.Pattern, cfg.After)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	// Sequences are not always committed in order, so a live item below the
	// highest replayed sequence may still be new. Only exact repeats are dropped.
	replayed := make(map[int64]struct{}, len(history))
	for _, item := range history {
		replayed[item.Sequence] = struct{}{}
	}

	cfg.Logger.Debug("feed started", "pattern", cfg.Pattern, "after", cfg.After, "replayed", len(history))

	out := make(chan Item)
	go run(ctx, cfg, sub, history, replayed, out)
	return out, nil
}

func run(ctx context.Context, cfg Config, sub bus.Subscription, history []Item, replayed map[int64]struct{}, out chan<- Item) {
	defer close(out)
	defer sub.Close()

	send := func(item Item) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, item := range history {
		item.Replayed = true
		if !send(item) {
			return
		}
	}

	heartbeat := cfg.Clock.After(cfg.KeepAlive)
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat:
			heartbeat = cfg.Clock.After(cfg.KeepAlive)
			if !send(KeepAlive()) {
				return
			}

		case msg, ok := <-sub.Messages():
			if !ok {
				cfg.Logger.Debug("feed subscription closed", "pattern", cfg.Pattern)
				return
			}
			item, err := LiveItem(msg)
			if err != nil {
				cfg.Logger.Warn("undecodable bus message skipped", "key", msg.Key, "error", err)
				continue
			}
			if item.Sequence <= cfg.After {
				continue
			}
			if _, seen := replayed[item.Sequence]; seen {
				delete(replayed, item.Sequence)
				continue
			}
			if !send(item) {
				return
			}
		}
	}
}

// LiveItem decodes a bus message carrying an Envelope.
func LiveItem(msg bus.Message) (Item, error) {
	env, err := bus.DecodeEnvelope(msg.Payload)
	if err != nil {
		return Item{}, err
	}
	return Item{
		Kind:      KindEvent,
		Sequence:  env.Sequence,
		Key:       msg.Key,
		EventType: env.EventType,
		Data:      env.Data,
	}, nil
}
