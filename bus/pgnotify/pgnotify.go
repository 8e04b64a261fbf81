// Package pgnotify provides an event bus over PostgreSQL LISTEN/NOTIFY.
//
// Every message travels on one notification channel as a small JSON frame
// carrying the event key and payload. Each process holds a single LISTEN
// connection (github.com/lib/pq) and routes frames to local subscriptions
// by pattern, so a PostgreSQL-backed deployment needs no extra broker.
package pgnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/AshkanYarmoradi/go-stoat/bus"
	"github.com/AshkanYarmoradi/go-stoat/bus/memory"
)

// DefaultChannel is the notification channel used unless overridden.
const DefaultChannel = "stoat_events"

// MaxPayload is the largest frame PostgreSQL accepts in a notification.
const MaxPayload = 7999

var (
	errPayloadTooLarge = errors.New("notification payload exceeds 8000 bytes")
	channelPattern     = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// frame is the notification payload.
type frame struct {
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

func encodeFrame(msg bus.Message) (string, error) {
	data, err := json.Marshal(frame{Key: msg.Key, Payload: msg.Payload})
	if err != nil {
		return "", err
	}
	if len(data) > MaxPayload {
		return "", errPayloadTooLarge
	}
	return string(data), nil
}

func decodeFrame(extra string) (bus.Message, error) {
	var f frame
	if err := json.Unmarshal([]byte(extra), &f); err != nil {
		return bus.Message{}, err
	}
	if f.Key == "" {
		return bus.Message{}, errors.New("frame without key")
	}
	return bus.Message{Key: f.Key, Payload: f.Payload}, nil
}

var _ bus.Bus = (*Bus)(nil)

// Bus is a bus.Bus over LISTEN/NOTIFY.
type Bus struct {
	db       *sql.DB
	ownsDB   bool
	listener *pq.Listener
	channel  string
	hub      *memory.Hub
	logger   bus.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type options struct {
	db           *sql.DB
	channel      string
	logger       bus.Logger
	minReconnect time.Duration
	maxReconnect time.Duration
}

// Option configures a Bus.
type Option func(*options)

// WithDB publishes through an existing connection pool instead of opening one.
func WithDB(db *sql.DB) Option {
	return func(o *options) {
		o.db = db
	}
}

// WithChannel sets the notification channel.
func WithChannel(channel string) Option {
	return func(o *options) {
		o.channel = channel
	}
}

// WithLogger sets the bus logger.
func WithLogger(l bus.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithReconnectInterval sets the listener's reconnect backoff bounds.
func WithReconnectInterval(min, max time.Duration) Option {
	return func(o *options) {
		o.minReconnect = min
		o.maxReconnect = max
	}
}

// NewBus opens the listener connection on dsn and starts routing notifications.
// It returns once LISTEN is in effect.
func NewBus(dsn string, opts ...Option) (*Bus, error) {
	o := options{
		channel:      DefaultChannel,
		logger:       bus.NopLogger(),
		minReconnect: 100 * time.Millisecond,
		maxReconnect: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !channelPattern.MatchString(o.channel) {
		return nil, fmt.Errorf("stoat/pgnotify: invalid channel name %q", o.channel)
	}

	b := &Bus{
		db:      o.db,
		channel: o.channel,
		hub:     memory.NewHub(memory.WithLogger(o.logger)),
		logger:  o.logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if b.db == nil {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("stoat/pgnotify: open: %w", err)
		}
		b.db = db
		b.ownsDB = true
	}

	b.listener = pq.NewListener(dsn, o.minReconnect, o.maxReconnect, b.onListenerEvent)
	if err := b.listener.Listen(b.channel); err != nil {
		_ = b.listener.Close()
		if b.ownsDB {
			_ = b.db.Close()
		}
		return nil, fmt.Errorf("stoat/pgnotify: listen %q: %w", b.channel, err)
	}

	go b.run()
	return b, nil
}

func (b *Bus) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		b.logger.Warn("notification listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		b.logger.Info("notification listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		b.logger.Warn("notification listener reconnect failed", "error", err)
	}
}

func (b *Bus) run() {
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything sent while
			// disconnected is lost and consumers catch up through replay.
			if n == nil {
				continue
			}
			msg, err := decodeFrame(n.Extra)
			if err != nil {
				b.logger.Warn("undecodable notification", "channel", n.Channel, "error", err)
				continue
			}
			if err := b.hub.Publish(context.Background(), msg); err != nil {
				return
			}
		}
	}
}

// Publish sends msg with pg_notify.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	payload, err := encodeFrame(msg)
	if err != nil {
		return bus.NewPublishError("pgnotify", msg.Key, err)
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, payload); err != nil {
		return bus.NewPublishError("pgnotify", msg.Key, err)
	}
	return nil
}

// Subscribe registers a local subscription. The LISTEN connection is
// established by NewBus, so the subscription is live on return.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (bus.Subscription, error) {
	return b.hub.Subscribe(ctx, pattern)
}

// Ping checks the listener connection.
func (b *Bus) Ping() error {
	return b.listener.Ping()
}

// Close stops routing, closes subscriptions and releases connections.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		<-b.done
		_ = b.hub.Close()
		err = b.listener.Close()
		if b.ownsDB {
			if cerr := b.db.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
