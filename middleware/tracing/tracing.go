// Package tracing provides OpenTelemetry spans for stoat.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("todos"))
//	adapter := tracing.NewEventStoreMiddleware(postgres.NewAdapter(db), tracer)
//	publisher := tracing.NewPublisherMiddleware(hub, tracer)
//
//	events, err := tracing.HandleCommand(ctx, tracer, handler, cmd)
//
// Spans carry the aggregate type and id, event types, sequences and the
// correlation id of typed errors.
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/bus"
)

const (
	// TracerName is the name of the stoat tracer.
	TracerName = "github.com/AshkanYarmoradi/go-stoat"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "stoat"
)

// Attribute keys.
const (
	AttrService        = attribute.Key("stoat.service")
	AttrAggregateType  = attribute.Key("stoat.aggregate_type")
	AttrAggregateID    = attribute.Key("stoat.aggregate_id")
	AttrCommandType    = attribute.Key("stoat.command.type")
	AttrEventCount     = attribute.Key("stoat.events.count")
	AttrEventTypes     = attribute.Key("stoat.events.types")
	AttrLastSequence   = attribute.Key("stoat.events.last_sequence")
	AttrAfterSequence  = attribute.Key("stoat.after_sequence")
	AttrBusKey         = attribute.Key("stoat.bus.key")
	AttrCorrelationID  = attribute.Key("stoat.correlation_id")
	AttrConflict       = attribute.Key("stoat.conflict")
	AttrExpectationLen = attribute.Key("stoat.expectations")
)

// Tracer wraps an OpenTelemetry tracer for stoat operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span tagged with the service name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	span.SetAttributes(AttrService.String(t.serviceName))
	return ctx, span
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// end records the outcome of an operation on span.
func end(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if id := correlationID(err); id != "" {
		span.SetAttributes(AttrCorrelationID.String(id))
	}
	if errors.Is(err, stoat.ErrConcurrencyConflict) {
		span.SetAttributes(AttrConflict.Bool(true))
	}
}

// correlationID extracts the correlation id of a typed stoat error.
func correlationID(err error) string {
	var (
		conflict   *adapters.ConcurrencyError
		finalized  *adapters.FinalizedError
		storage    *adapters.StorageError
		serialize  *stoat.SerializationError
		rejected   *stoat.RejectedError
		validation *stoat.ValidationError
		publish    *bus.PublishError
	)
	switch {
	case errors.As(err, &conflict):
		return conflict.CorrelationID
	case errors.As(err, &finalized):
		return finalized.CorrelationID
	case errors.As(err, &rejected):
		return rejected.CorrelationID
	case errors.As(err, &validation):
		return validation.CorrelationID
	case errors.As(err, &serialize):
		return serialize.CorrelationID
	case errors.As(err, &storage):
		return storage.CorrelationID
	case errors.As(err, &publish):
		return publish.CorrelationID
	}
	return ""
}

// =============================================================================
// Command Handling
// =============================================================================

// HandleCommand runs h.Handle inside a "command.<Type>" span.
func HandleCommand[C stoat.Command, S any, E stoat.Event](ctx context.Context, t *Tracer, h *stoat.CommandHandler[C, S, E], cmd C) ([]stoat.Versioned[E], error) {
	cmdType := stoat.TypeName(cmd)

	ctx, span := t.StartSpan(ctx, "command."+cmdType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		AttrCommandType.String(cmdType),
		AttrAggregateType.String(cmd.AggregateType()),
		AttrAggregateID.String(cmd.AggregateID()),
	)

	events, err := h.Handle(ctx, cmd)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
		if len(events) > 0 {
			span.SetAttributes(AttrLastSequence.Int64(events[len(events)-1].Sequence))
		}
	}
	end(span, err)

	return events, err
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// NewEventStoreMiddleware wraps an adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

func (m *EventStoreMiddleware) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return m.tracer.StartSpan(ctx, "eventstore."+name, trace.WithSpanKind(trace.SpanKindClient))
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "append")
	defer span.End()

	span.SetAttributes(
		AttrEventCount.Int(len(records)),
		AttrExpectationLen.Int(len(expect)),
	)
	if len(records) > 0 {
		eventTypes := make([]string, len(records))
		for i, r := range records {
			eventTypes[i] = r.EventType
		}
		span.SetAttributes(
			AttrAggregateType.String(records[0].AggregateType),
			AttrAggregateID.String(records[0].AggregateID),
			AttrEventTypes.StringSlice(eventTypes),
		)
	}

	stored, err := m.adapter.Append(ctx, records, expect...)
	if err == nil && len(stored) > 0 {
		span.SetAttributes(AttrLastSequence.Int64(stored[len(stored)-1].Sequence))
	}
	end(span, err)

	return stored, err
}

// Load retrieves one stream with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load")
	defer span.End()

	span.SetAttributes(
		AttrAggregateType.String(key.AggregateType),
		AttrAggregateID.String(key.AggregateID),
	)

	events, err := m.adapter.Load(ctx, key)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	end(span, err)

	return events, err
}

// LatestEventID returns the head of a stream with tracing.
func (m *EventStoreMiddleware) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	ctx, span := m.start(ctx, "latest_event_id")
	defer span.End()

	span.SetAttributes(
		AttrAggregateType.String(key.AggregateType),
		AttrAggregateID.String(key.AggregateID),
	)

	id, ok, err := m.adapter.LatestEventID(ctx, key)
	end(span, err)

	return id, ok, err
}

// LoadAll retrieves every event with tracing.
func (m *EventStoreMiddleware) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load_all")
	defer span.End()

	events, err := m.adapter.LoadAll(ctx)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	end(span, err)

	return events, err
}

// LoadSince retrieves events after a sequence with tracing.
func (m *EventStoreMiddleware) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load_since")
	defer span.End()

	span.SetAttributes(AttrAfterSequence.Int64(sequence))

	events, err := m.adapter.LoadSince(ctx, sequence)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	end(span, err)

	return events, err
}

// Bounds returns the store bounds with tracing.
func (m *EventStoreMiddleware) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	ctx, span := m.start(ctx, "bounds")
	defer span.End()

	b, ok, err := m.adapter.Bounds(ctx)
	end(span, err)

	return b, ok, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "initialize")
	defer span.End()

	err := m.adapter.Initialize(ctx)
	end(span, err)

	return err
}

// Close closes the adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// =============================================================================
// Bus Middleware
// =============================================================================

// PublisherMiddleware wraps a bus.Publisher with tracing.
type PublisherMiddleware struct {
	publisher bus.Publisher
	tracer    *Tracer
}

var _ bus.Publisher = (*PublisherMiddleware)(nil)

// NewPublisherMiddleware wraps a publisher with tracing.
func NewPublisherMiddleware(p bus.Publisher, tracer *Tracer) *PublisherMiddleware {
	return &PublisherMiddleware{publisher: p, tracer: tracer}
}

// Publish sends msg inside a "bus.publish" span.
func (m *PublisherMiddleware) Publish(ctx context.Context, msg bus.Message) error {
	ctx, span := m.tracer.StartSpan(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(AttrBusKey.String(msg.Key))
	if parts, err := bus.ParseKey(msg.Key); err == nil {
		span.SetAttributes(
			AttrAggregateType.String(parts.AggregateType),
			AttrAggregateID.String(parts.AggregateID),
		)
		if parts.HasSequence {
			span.SetAttributes(AttrLastSequence.Int64(parts.Sequence))
		}
	}

	err := m.publisher.Publish(ctx, msg)
	end(span, err)

	return err
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records err on the current span.
func SetError(ctx context.Context, err error) {
	end(trace.SpanFromContext(ctx), err)
}
