package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/adapters/sqlite"
	"github.com/AshkanYarmoradi/go-stoat/bus"
	"github.com/AshkanYarmoradi/go-stoat/bus/kafka"
	memorybus "github.com/AshkanYarmoradi/go-stoat/bus/memory"
	natsbus "github.com/AshkanYarmoradi/go-stoat/bus/nats"
	"github.com/AshkanYarmoradi/go-stoat/bus/pgnotify"
	"github.com/AshkanYarmoradi/go-stoat/bus/sns"
	"github.com/AshkanYarmoradi/go-stoat/bus/webhook"
	"github.com/AshkanYarmoradi/go-stoat/cli/config"
	"github.com/AshkanYarmoradi/go-stoat/middleware/metrics"
	"github.com/AshkanYarmoradi/go-stoat/middleware/tracing"
)

// pingTimeout bounds the connection check made when a store is opened.
const pingTimeout = 5 * time.Second

// ErrInvalidConfig is returned when stoat.yaml fails validation.
var ErrInvalidConfig = errors.New("stoat: invalid configuration")

// NewLogger builds the structured logger described by the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Factory creates the runtime components described by a configuration.
type Factory struct {
	config *config.Config
	logger *slog.Logger
}

// NewFactory validates cfg and returns a factory for it.
func NewFactory(cfg *config.Config, logger *slog.Logger) (*Factory, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Factory{config: cfg, logger: logger}, nil
}

// CreateAdapter opens the configured store. PostgreSQL and SQLite stores
// are pinged with a short timeout to fail fast on bad connection strings.
func (f *Factory) CreateAdapter(ctx context.Context) (adapters.EventStoreAdapter, error) {
	ctx = ensureContext(ctx)

	var adapter interface {
		adapters.EventStoreAdapter
		adapters.HealthChecker
	}

	switch f.config.Store.Driver {
	case "memory":
		return memory.NewAdapter(), nil

	case "postgres":
		pg, err := postgres.NewAdapter(f.config.Store.DSN, postgres.WithSchema(f.config.Store.Schema))
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
		}
		adapter = pg

	case "sqlite":
		lite, err := sqlite.NewAdapter(f.config.Store.DSN, sqlite.WithTable(f.config.Store.Table))
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite adapter: %w", err)
		}
		adapter = lite

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", f.config.Store.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to connect to %s store: %w", f.config.Store.Driver, err)
	}
	return adapter, nil
}

// CreateBus opens the configured notification bus.
func (f *Factory) CreateBus(ctx context.Context) (bus.Bus, error) {
	ctx = ensureContext(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch f.config.Bus.Driver {
	case "", "memory":
		return memorybus.NewHub(memorybus.WithLogger(f.logger)), nil

	case "nats":
		b, err := natsbus.NewBus(natsbus.WithURL(f.config.Bus.URL), natsbus.WithLogger(f.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return b, nil

	case "pgnotify":
		opts := []pgnotify.Option{pgnotify.WithLogger(f.logger)}
		if f.config.Bus.Channel != "" {
			opts = append(opts, pgnotify.WithChannel(f.config.Bus.Channel))
		}
		b, err := pgnotify.NewBus(f.config.BusDSN(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on postgres: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported bus driver: %s", f.config.Bus.Driver)
	}
}

// CreateSinks builds the publish-only sinks that are configured.
// The returned closers release the sinks that hold connections.
func (f *Factory) CreateSinks(ctx context.Context) (*bus.Fanout, []io.Closer, error) {
	ctx = ensureContext(ctx)
	sinks := f.config.Sinks
	fanout := bus.NewFanout()
	var closers []io.Closer

	if len(sinks.Kafka.Brokers) > 0 {
		k := kafka.New(kafka.WithBrokers(sinks.Kafka.Brokers...), kafka.WithTopic(sinks.Kafka.Topic))
		fanout.Add(k)
		closers = append(closers, k)
	}

	if sinks.SNS.TopicARN != "" {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if sinks.SNS.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(sinks.SNS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load aws configuration: %w", err)
		}

		opts := []sns.Option{sns.WithSNSClient(awssns.NewFromConfig(awsCfg))}
		if sinks.SNS.FIFO {
			opts = append(opts, sns.WithFIFO())
		}
		fanout.Add(sns.New(sinks.SNS.TopicARN, opts...))
	}

	if sinks.Webhook.URL != "" {
		var opts []webhook.Option
		if sinks.Webhook.Timeout > 0 {
			opts = append(opts, webhook.WithTimeout(sinks.Webhook.Timeout))
		}
		fanout.Add(webhook.New(sinks.Webhook.URL, opts...))
	}

	return fanout, closers, nil
}

// CreateTracer builds the tracer described by the tracing section.
// With no exporter the tracer uses the global provider.
func (f *Factory) CreateTracer(w io.Writer) (*tracing.Tracer, func(context.Context) error, error) {
	opts := []tracing.TracerOption{tracing.WithServiceName(f.config.Tracing.ServiceName)}

	if f.config.Tracing.Exporter != "stdout" {
		return tracing.NewTracer(opts...), func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))

	opts = append(opts, tracing.WithTracerProvider(provider))
	return tracing.NewTracer(opts...), provider.Shutdown, nil
}

// Runtime holds the components built from one configuration.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	// Store is the raw adapter. Adapter wraps it with metrics and tracing.
	Store   adapters.EventStoreAdapter
	Adapter adapters.EventStoreAdapter

	Bus   bus.Bus
	Sinks *bus.Fanout

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Tracer   *tracing.Tracer

	shutdown []func(context.Context) error
}

// RuntimeOption configures Open.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	traceOutput io.Writer
	withBus     bool
	withSinks   bool
}

// WithTraceOutput sets where the stdout exporter writes spans.
func WithTraceOutput(w io.Writer) RuntimeOption {
	return func(o *runtimeOptions) {
		o.traceOutput = w
	}
}

// WithoutBus skips opening the bus and the sinks.
func WithoutBus() RuntimeOption {
	return func(o *runtimeOptions) {
		o.withBus = false
		o.withSinks = false
	}
}

// Open builds every configured component. On error the components opened
// so far are closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...RuntimeOption) (*Runtime, error) {
	o := runtimeOptions{traceOutput: os.Stdout, withBus: true, withSinks: true}
	for _, opt := range opts {
		opt(&o)
	}

	factory, err := NewFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: factory.logger}

	store, err := factory.CreateAdapter(ctx)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.Adapter = store
	rt.onClose(func(context.Context) error { return store.Close() })

	tracer, shutdown, err := factory.CreateTracer(o.traceOutput)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.Tracer = tracer
	rt.onClose(shutdown)
	rt.Adapter = tracing.NewEventStoreMiddleware(rt.Adapter, tracer)

	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace))
		rt.Registry = prometheus.NewRegistry()
		rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := rt.Metrics.Register(rt.Registry); err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.Adapter = rt.Metrics.WrapEventStore(rt.Adapter)
	}

	if o.withBus {
		b, err := factory.CreateBus(ctx)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.Bus = b
		rt.onClose(func(context.Context) error { return b.Close() })
	}

	rt.Sinks = bus.NewFanout()
	if o.withSinks {
		sinks, closers, err := factory.CreateSinks(ctx)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.Sinks = sinks
		for _, c := range closers {
			rt.onClose(func(context.Context) error { return c.Close() })
		}
	}

	return rt, nil
}

// Publisher returns the sinks decorated with tracing and metrics.
func (rt *Runtime) Publisher() bus.Publisher {
	var p bus.Publisher = tracing.NewPublisherMiddleware(rt.Sinks, rt.Tracer)
	if rt.Metrics != nil {
		p = rt.Metrics.WrapPublisher(p)
	}
	return p
}

func (rt *Runtime) onClose(fn func(context.Context) error) {
	rt.shutdown = append(rt.shutdown, fn)
}

// Close releases the components in reverse order of creation.
func (rt *Runtime) Close(ctx context.Context) error {
	ctx = ensureContext(ctx)

	var errs []error
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		if err := rt.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.shutdown = nil
	return errors.Join(errs...)
}

// ensureContext returns the provided context or a background context if nil.
func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// loadConfig finds stoat.yaml from path, or from the working directory
// upwards when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}
	return cfg, nil
}

// openRuntime loads the configuration selected by the global flags and
// opens its runtime, logging to stderr.
func openRuntime(ctx context.Context, flags *globalFlags, opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg, NewLogger(cfg.Log, os.Stderr), opts...)
}
