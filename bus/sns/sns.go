// Package sns provides a publish-only AWS SNS sink for event notifications.
package sns

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message attribute names set on every publication.
const (
	AttributeKey           = "stoat-key"
	AttributeAggregateType = "aggregate-type"
	AttributeSequence      = "sequence"
)

var errNoClient = errors.New("client not configured")

var _ bus.Publisher = (*Publisher)(nil)

// Publisher publishes bus messages to one SNS topic.
type Publisher struct {
	client   SNSClient
	topicARN string
	fifo     bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO groups messages by stream and deduplicates them by event key,
// as required by FIFO topics.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher for topicARN.
func New(topicARN string, opts ...Option) *Publisher {
	p := &Publisher{topicARN: topicARN}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish sends msg to the topic.
func (p *Publisher) Publish(ctx context.Context, msg bus.Message) error {
	if p.client == nil {
		return bus.NewPublishError("sns", msg.Key, errNoClient)
	}

	input, err := p.input(msg)
	if err != nil {
		return bus.NewPublishError("sns", msg.Key, err)
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return bus.NewPublishError("sns", msg.Key, err)
	}
	return nil
}

func (p *Publisher) input(msg bus.Message) (*sns.PublishInput, error) {
	parts, err := bus.ParseKey(msg.Key)
	if err != nil {
		return nil, err
	}

	input := &sns.PublishInput{
		TopicArn: stringPtr(p.topicARN),
		Message:  stringPtr(string(msg.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttributeKey:           stringAttribute(msg.Key),
			AttributeAggregateType: stringAttribute(parts.AggregateType),
		},
	}

	if parts.HasSequence {
		input.MessageAttributes[AttributeSequence] = types.MessageAttributeValue{
			DataType:    stringPtr("Number"),
			StringValue: stringPtr(strconv.FormatInt(parts.Sequence, 10)),
		}
	}

	if p.fifo {
		input.MessageGroupId = stringPtr(parts.AggregateType + "/" + parts.AggregateID)
		input.MessageDeduplicationId = stringPtr(msg.Key)
	}

	return input, nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    stringPtr("String"),
		StringValue: stringPtr(v),
	}
}

func stringPtr(s string) *string {
	return &s
}
