package feed

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/clock"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// Request parameters understood by Handler.
const (
	HeaderLastEventID = "Last-Event-ID"
	ParamLastEventID  = "last_event_id"
	ParamPattern      = "pattern"
)

// Handler serves a feed over server-sent events.
//
// The pattern comes from the "pattern" query parameter and the resume
// position from the Last-Event-ID header or the "last_event_id" parameter.
type Handler struct {
	subscriber     bus.Subscriber
	replay         ReplayFunc
	defaultPattern string
	keepAlive      time.Duration
	clock          clock.Clock
	logger         Logger
}

var _ http.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDefaultPattern sets the pattern used when the request names none.
func WithDefaultPattern(pattern string) HandlerOption {
	return func(h *Handler) {
		h.defaultPattern = pattern
	}
}

// WithKeepAlive sets the heartbeat interval.
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.keepAlive = d
	}
}

// WithClock sets the heartbeat clock.
func WithClock(c clock.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = c
	}
}

// WithLogger sets the handler logger.
func WithLogger(l Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a Handler.
func NewHandler(subscriber bus.Subscriber, replay ReplayFunc, opts ...HandlerOption) *Handler {
	h := &Handler{
		subscriber:     subscriber,
		replay:         replay,
		defaultPattern: bus.AllPattern(),
		keepAlive:      DefaultKeepAlive,
		clock:          clock.WallClock,
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP streams the feed until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	after, err := ResumePosition(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pattern := r.URL.Query().Get(ParamPattern)
	if pattern == "" {
		pattern = h.defaultPattern
	}
	if err := bus.ValidatePattern(pattern); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	items, err := Compose(ctx, Config{
		Subscriber: h.subscriber,
		Replay:     h.replay,
		Pattern:    pattern,
		After:      after,
		KeepAlive:  h.keepAlive,
		Clock:      h.clock,
		Logger:     h.logger,
	})
	if err != nil {
		h.logger.Error("feed setup failed", "pattern", pattern, "error", err)
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for item := range items {
		if err := WriteSSE(w, item); err != nil {
			h.logger.Debug("feed client gone", "error", err)
			return
		}
		flusher.Flush()
	}
}

// ResumePosition reads the client's last processed sequence from the
// Last-Event-ID header or the last_event_id query parameter. Zero means none.
func ResumePosition(r *http.Request) (int64, error) {
	raw := r.Header.Get(HeaderLastEventID)
	if raw == "" {
		raw = r.URL.Query().Get(ParamLastEventID)
	}
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &ResumeError{Value: raw}
	}
	return n, nil
}

// ResumeError reports a malformed resume position.
type ResumeError struct {
	Value string
}

// Error implements the error interface.
func (e *ResumeError) Error() string {
	return "stoat/feed: invalid last event id " + strconv.Quote(e.Value)
}
