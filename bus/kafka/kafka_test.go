package kafka

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

func TestNew_Defaults(t *testing.T) {
	p := New()
	assert.Equal(t, []string{"localhost:9092"}, p.brokers)
	assert.IsType(t, &kafkago.Hash{}, p.balancer)
	assert.Equal(t, DefaultTopic, p.topicFor(bus.KeyParts{AggregateType: "Todo"}))
}

func TestNew_Options(t *testing.T) {
	balancer := &kafkago.RoundRobin{}
	p := New(
		WithBrokers("broker1:9092", "broker2:9092"),
		WithBatchTimeout(500*time.Millisecond),
		WithBalancer(balancer),
		WithTopic("audit"),
	)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, p.brokers)
	assert.Equal(t, 500*time.Millisecond, p.batchTimeout)
	assert.Equal(t, balancer, p.balancer)
	assert.Equal(t, "audit", p.topicFor(bus.KeyParts{}))
}

func TestPublisher_Message(t *testing.T) {
	p := New(WithTopicFunc(TopicPerType("stoat")))

	msg, topic, err := p.message(bus.Message{
		Key:     bus.SequencedKey("Todo", "42", 7),
		Payload: []byte(`{"sequence":7}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "stoat.Todo", topic)
	assert.Equal(t, []byte("Todo/42"), msg.Key)
	assert.Equal(t, []byte(`{"sequence":7}`), msg.Value)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, HeaderKey, msg.Headers[0].Key)
	assert.Equal(t, "events/Todo/42/7", string(msg.Headers[0].Value))
}

func TestPublisher_Publish_InvalidKey(t *testing.T) {
	p := New()

	err := p.Publish(context.Background(), bus.Message{Key: "not-an-event"})
	assert.ErrorIs(t, err, bus.ErrPublishFailed)
	assert.ErrorIs(t, err, bus.ErrInvalidKey)
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	assert.NoError(t, New().Close())
}

func setupIntegration(t *testing.T) (brokers, topic string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test (short mode)")
	}
	brokers = os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic = fmt.Sprintf("test-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)
	return brokers, topic
}

func createTopic(t *testing.T, brokers string, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestPublisher_Publish_Integration(t *testing.T) {
	brokers, topic := setupIntegration(t)
	ctx := context.Background()

	p := New(WithBrokers(brokers), WithTopic(topic))
	p.transport = &kafkago.Transport{}
	defer p.Close()

	require.NoError(t, p.Publish(ctx, bus.Message{
		Key:     bus.SequencedKey("Order", "123", 1),
		Payload: []byte(`{"id":"123"}`),
	}))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{brokers},
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   5 * time.Second,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Order/123"), msg.Key)
	assert.Equal(t, []byte(`{"id":"123"}`), msg.Value)
}
