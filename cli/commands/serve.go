package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/bus"
	"github.com/AshkanYarmoradi/go-stoat/cache"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/feed"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// streamPrefix starts the cache keys of stream reads. Each aggregate type
// gets its own prefix so a notification only drops entries of its type.
const streamPrefix = "stream/"

// Server serves the live feed, cached stream reads, metrics and health checks.
type Server struct {
	rt          *Runtime
	cache       *cache.Cache
	streams     *cache.Typed[[]bus.Envelope]
	registry    *cache.Registry
	invalidator *cache.Invalidator
	mux         *http.ServeMux
}

// NewServer builds the HTTP routes for rt. Extra cache options are applied
// after the ones derived from the configuration.
func NewServer(rt *Runtime, opts ...cache.Option) *Server {
	cfg := rt.Config

	cacheOpts := []cache.Option{
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithTTI(cfg.Cache.TTI),
		cache.WithPurgeInterval(cfg.Cache.PurgeInterval),
	}
	if rt.Metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(rt.Metrics.CacheObserver()))
	}
	c := cache.New(append(cacheOpts, opts...)...)

	s := &Server{
		rt:       rt,
		cache:    c,
		streams:  cache.NewTyped[[]bus.Envelope](c, cache.JSONCodec{}),
		registry: cache.NewRegistry(),
		mux:      http.NewServeMux(),
	}

	s.mux.Handle("GET "+cfg.Feed.Path, feed.NewHandler(
		rt.Bus,
		feed.StoreReplay(rt.Adapter, renderPayload),
		feed.WithDefaultPattern(cfg.Feed.Pattern),
		feed.WithKeepAlive(cfg.Feed.KeepAlive),
		feed.WithLogger(rt.Logger),
	))
	s.mux.HandleFunc("GET /streams/{type}/{id}", s.handleStream)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if rt.Registry != nil {
		s.mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Cache returns the stream read cache.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Start subscribes the cache invalidator to the bus and runs the cache
// janitor until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.invalidator = cache.NewInvalidator(s.cache, s.registry, s.rt.Bus, cache.WithLogger(s.rt.Logger))
	if err := s.invalidator.Start(ctx); err != nil {
		return err
	}
	go func() {
		_ = s.cache.Run(ctx)
	}()
	return nil
}

// Close stops the invalidator.
func (s *Server) Close() error {
	if s.invalidator == nil {
		return nil
	}
	return s.invalidator.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := adapters.NewStreamKey(r.PathValue("type"), r.PathValue("id"))
	prefix := streamPrefix + key.AggregateType
	s.registry.Register(prefix+":", key.AggregateType)

	cacheKey, err := cache.Key(prefix, key.AggregateID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	envelopes, err := s.streams.GetOrInsertWith(r.Context(), cacheKey, func(ctx context.Context) ([]bus.Envelope, error) {
		return s.loadStream(ctx, key)
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if len(envelopes) == 0 {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", key))
		return
	}

	writeJSON(w, http.StatusOK, envelopes)
}

func (s *Server) loadStream(ctx context.Context, key adapters.StreamKey) ([]bus.Envelope, error) {
	stored, err := s.rt.Adapter.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	envelopes := make([]bus.Envelope, 0, len(stored))
	for _, st := range stored {
		data, err := renderPayload(st)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, bus.EnvelopeFrom(st, data))
	}
	return envelopes, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if checker, ok := s.rt.Store.(adapters.HealthChecker); ok {
		if err := checker.Ping(r.Context()); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// NewServeCommand creates the serve command
func NewServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live feed over HTTP",
		Long: `Serve the live event feed as server-sent events, together with cached
stream reads, Prometheus metrics and a health check. Events arriving on the
bus are also forwarded to the configured sinks.

Routes:
  GET /events?pattern=events/Todo/**     Live feed, resumable with Last-Event-ID
  GET /streams/{type}/{id}               One stream, cached until it changes
  GET /metrics                           Prometheus metrics
  GET /healthz                           Store health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(ensureContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			if addr == "" {
				addr = rt.Config.Feed.Addr
			}

			return serve(ctx, cmd, rt, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from stoat.yaml)")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, rt *Runtime, addr string) error {
	srv := NewServer(rt)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	if rt.Sinks.Len() > 0 {
		if _, err := bus.Forward(ctx, rt.Bus, bus.AllPattern(), rt.Publisher(), rt.Logger); err != nil {
			return err
		}
		rt.Logger.Info("forwarding events to sinks", "sinks", rt.Sinks.Len())
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess("Serving on "+listener.Addr().String()))
	rt.Logger.Info("server started", "addr", listener.Addr().String(), "feed", rt.Config.Feed.Path)

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	rt.Logger.Info("server stopping")
	return httpServer.Shutdown(shutdownCtx)
}
