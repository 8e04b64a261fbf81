// Package metrics provides Prometheus metrics for the event store, the
// notification bus and the query cache.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("todos"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	adapter := m.WrapEventStore(postgres.NewAdapter(db))
//	publisher := m.WrapPublisher(hub)
//	c := cache.New(cache.WithObserver(m.CacheObserver()))
//
// The metrics collected include:
//   - Store operation counts and durations, events appended and loaded
//   - Optimistic-lock conflicts and finalized-stream rejections
//   - Bus publications by transport outcome
//   - Cache hits, misses, inserts and evictions by key prefix
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/bus"
	"github.com/AshkanYarmoradi/go-stoat/cache"
)

// Default metric labels.
const (
	LabelAggregateType = "aggregate_type"
	LabelEventType     = "event_type"
	LabelOperation     = "operation"
	LabelStatus        = "status"
	LabelErrorType     = "error_type"
	LabelPrefix        = "prefix"
	LabelResult        = "result"
	LabelReason        = "reason"
	LabelService       = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend   = "append"
	OperationLoad     = "load"
	OperationLoadAll  = "load_all"
	OperationLoadFrom = "load_since"
	OperationLatest   = "latest_event_id"
	OperationBounds   = "bounds"
	OperationPublish  = "publish"
)

// Metrics holds all Prometheus metrics for stoat.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Store metrics
	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal    *prometheus.CounterVec
	eventsLoadedTotal      *prometheus.CounterVec
	conflictsTotal         *prometheus.CounterVec

	// Bus metrics
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	// Cache metrics
	cacheRequestsTotal  *prometheus.CounterVec
	cacheInsertsTotal   *prometheus.CounterVec
	cacheEvictionsTotal *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "stoat",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      name,
			Help:      help,
		},
		append([]string{LabelService}, labels...),
	)
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		append([]string{LabelService}, labels...),
	)
}

func (m *Metrics) initMetrics() {
	m.storeOperationsTotal = m.counter("store_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.storeOperationDuration = m.histogram("store_operation_duration_seconds",
		"Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended.", LabelAggregateType, LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded.")
	m.conflictsTotal = m.counter("conflicts_total",
		"Total number of appends rejected by the optimistic-lock check.", LabelAggregateType)

	m.publishTotal = m.counter("bus_publish_total",
		"Total number of bus publications.", LabelStatus)
	m.publishDuration = m.histogram("bus_publish_duration_seconds",
		"Duration of bus publications in seconds.")

	m.cacheRequestsTotal = m.counter("cache_requests_total",
		"Total number of cache lookups.", LabelPrefix, LabelResult)
	m.cacheInsertsTotal = m.counter("cache_inserts_total",
		"Total number of cache inserts.", LabelPrefix)
	m.cacheEvictionsTotal = m.counter("cache_evictions_total",
		"Total number of cache evictions.", LabelPrefix, LabelReason)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.conflictsTotal,
		m.publishTotal,
		m.publishDuration,
		m.cacheRequestsTotal,
		m.cacheInsertsTotal,
		m.cacheEvictionsTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RecordError records a custom error.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// errorTypeName maps an error to a label value based on sentinel errors.
func errorTypeName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, stoat.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, stoat.ErrStreamFinalized):
		return "stream_finalized"
	case errors.Is(err, stoat.ErrCommandRejected):
		return "command_rejected"
	case errors.Is(err, stoat.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, stoat.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, stoat.ErrEventTypeNotRegistered):
		return "event_type_not_registered"
	case errors.Is(err, stoat.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, adapters.ErrEmptyStreamKey):
		return "empty_stream_key"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, adapters.ErrStorage):
		return "storage"
	case errors.Is(err, bus.ErrBusClosed):
		return "bus_closed"
	case errors.Is(err, bus.ErrPublishFailed):
		return "publish_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

// observe records duration, outcome and error type of one operation.
func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.storeOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.storeOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, records, expect...)
	em.observe(OperationAppend, start, err)

	m := em.metrics
	var conflict *adapters.ConcurrencyError
	switch {
	case errors.As(err, &conflict):
		m.conflictsTotal.WithLabelValues(m.serviceName, conflict.AggregateType).Inc()
	case err == nil:
		for _, r := range stored {
			m.eventsAppendedTotal.WithLabelValues(m.serviceName, r.AggregateType, r.EventType).Inc()
		}
	}

	return stored, err
}

// Load retrieves one stream with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, key)
	em.observe(OperationLoad, start, err)
	em.loaded(events)
	return events, err
}

// LatestEventID returns the head of a stream with metrics.
func (em *EventStoreMiddleware) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	start := time.Now()
	id, ok, err := em.adapter.LatestEventID(ctx, key)
	em.observe(OperationLatest, start, err)
	return id, ok, err
}

// LoadAll retrieves every event with metrics.
func (em *EventStoreMiddleware) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadAll(ctx)
	em.observe(OperationLoadAll, start, err)
	em.loaded(events)
	return events, err
}

// LoadSince retrieves events after a sequence with metrics.
func (em *EventStoreMiddleware) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadSince(ctx, sequence)
	em.observe(OperationLoadFrom, start, err)
	em.loaded(events)
	return events, err
}

// Bounds returns the store bounds with metrics.
func (em *EventStoreMiddleware) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	start := time.Now()
	b, ok, err := em.adapter.Bounds(ctx)
	em.observe(OperationBounds, start, err)
	return b, ok, err
}

// Initialize initializes the adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

func (em *EventStoreMiddleware) loaded(events []adapters.StoredEvent) {
	if len(events) > 0 {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
}

// =============================================================================
// Bus Middleware
// =============================================================================

// PublisherMiddleware wraps a bus.Publisher with metrics.
type PublisherMiddleware struct {
	publisher bus.Publisher
	metrics   *Metrics
}

var _ bus.Publisher = (*PublisherMiddleware)(nil)

// WrapPublisher wraps a publisher with metrics collection.
func (m *Metrics) WrapPublisher(p bus.Publisher) *PublisherMiddleware {
	return &PublisherMiddleware{publisher: p, metrics: m}
}

// Publish sends msg and records the outcome.
func (pm *PublisherMiddleware) Publish(ctx context.Context, msg bus.Message) error {
	m := pm.metrics

	start := time.Now()
	err := pm.publisher.Publish(ctx, msg)
	m.publishDuration.WithLabelValues(m.serviceName).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.publishTotal.WithLabelValues(m.serviceName, status).Inc()

	return err
}

// =============================================================================
// Cache Observer
// =============================================================================

// CacheObserver returns a cache.Observer that counts activity by key prefix,
// the part of the key before the first ':'.
func (m *Metrics) CacheObserver() cache.Observer {
	return &cacheObserver{metrics: m}
}

type cacheObserver struct {
	metrics *Metrics
}

func (o *cacheObserver) Hit(key string) {
	o.metrics.cacheRequestsTotal.WithLabelValues(o.metrics.serviceName, keyPrefix(key), "hit").Inc()
}

func (o *cacheObserver) Miss(key string) {
	o.metrics.cacheRequestsTotal.WithLabelValues(o.metrics.serviceName, keyPrefix(key), "miss").Inc()
}

func (o *cacheObserver) Inserted(key string) {
	o.metrics.cacheInsertsTotal.WithLabelValues(o.metrics.serviceName, keyPrefix(key)).Inc()
}

func (o *cacheObserver) Evicted(key string, reason cache.EvictionReason) {
	o.metrics.cacheEvictionsTotal.WithLabelValues(o.metrics.serviceName, keyPrefix(key), string(reason)).Inc()
}

func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// =============================================================================
// Getters for testing
// =============================================================================

// StoreOperationsTotal returns the store operations counter.
func (m *Metrics) StoreOperationsTotal() *prometheus.CounterVec {
	return m.storeOperationsTotal
}

// StoreOperationDuration returns the store duration histogram.
func (m *Metrics) StoreOperationDuration() *prometheus.HistogramVec {
	return m.storeOperationDuration
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// ConflictsTotal returns the conflicts counter.
func (m *Metrics) ConflictsTotal() *prometheus.CounterVec {
	return m.conflictsTotal
}

// PublishTotal returns the bus publications counter.
func (m *Metrics) PublishTotal() *prometheus.CounterVec {
	return m.publishTotal
}

// CacheRequestsTotal returns the cache lookups counter.
func (m *Metrics) CacheRequestsTotal() *prometheus.CounterVec {
	return m.cacheRequestsTotal
}

// CacheInsertsTotal returns the cache inserts counter.
func (m *Metrics) CacheInsertsTotal() *prometheus.CounterVec {
	return m.cacheInsertsTotal
}

// CacheEvictionsTotal returns the cache evictions counter.
func (m *Metrics) CacheEvictionsTotal() *prometheus.CounterVec {
	return m.cacheEvictionsTotal
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
