// Package kafka provides a publish-only Kafka sink for event notifications.
// It writes every published message to a Kafka topic using github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// DefaultTopic receives every event unless a TopicFunc says otherwise.
const DefaultTopic = "stoat.events"

// HeaderKey carries the full event key on every Kafka message.
const HeaderKey = "stoat-key"

// TopicFunc picks the topic for a message.
type TopicFunc func(parts bus.KeyParts) string

var _ bus.Publisher = (*Publisher)(nil)

// Publisher writes bus messages to Kafka. Messages are keyed by stream
// ("{type}/{id}") so that every stream keeps its order within one partition.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	topicFor     TopicFunc
	mu           sync.RWMutex
	writers      map[string]*kafkago.Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTopic sends every message to topic.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		p.topicFor = func(bus.KeyParts) string { return topic }
	}
}

// WithTopicFunc picks the topic per message.
func WithTopicFunc(fn TopicFunc) Option {
	return func(p *Publisher) {
		p.topicFor = fn
	}
}

// New creates a new Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		topicFor:     func(bus.KeyParts) string { return DefaultTopic },
		writers:      make(map[string]*kafkago.Writer),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// TopicPerType routes each aggregate type to "{prefix}.{type}".
func TopicPerType(prefix string) TopicFunc {
	return func(parts bus.KeyParts) string {
		return prefix + "." + parts.AggregateType
	}
}

// Publish writes msg to its topic.
func (p *Publisher) Publish(ctx context.Context, msg bus.Message) error {
	kafkaMsg, topic, err := p.message(msg)
	if err != nil {
		return bus.NewPublishError("kafka", msg.Key, err)
	}

	if err := p.getWriter(topic).WriteMessages(ctx, kafkaMsg); err != nil {
		return bus.NewPublishError("kafka", msg.Key, err)
	}
	return nil
}

func (p *Publisher) message(msg bus.Message) (kafkago.Message, string, error) {
	parts, err := bus.ParseKey(msg.Key)
	if err != nil {
		return kafkago.Message{}, "", err
	}

	return kafkago.Message{
		Key:   []byte(parts.AggregateType + "/" + parts.AggregateID),
		Value: msg.Payload,
		Headers: []kafkago.Header{
			{Key: HeaderKey, Value: []byte(msg.Key)},
		},
	}, p.topicFor(parts), nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			return err
		}
		delete(p.writers, topic)
	}
	return nil
}

// getWriter returns or creates a Kafka writer for the given topic.
func (p *Publisher) getWriter(topic string) *kafkago.Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = w
	return w
}
