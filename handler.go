package stoat

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryPolicy controls how a CommandHandler reacts to optimistic-lock conflicts.
// Only conflicts are retried; every other error is returned at once.
type RetryPolicy struct {
	// Attempts is the total number of tries. One disables retrying.
	Attempts int

	// Delay before the first retry. It doubles after each conflict.
	// Zero retries without waiting.
	Delay time.Duration

	// MaxDelay caps the delay between tries.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries twice with 10ms, then 20ms backoff.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Delay:    10 * time.Millisecond,
	MaxDelay: 250 * time.Millisecond,
}

// NoRetry makes conflicts surface to the caller immediately.
var NoRetry = RetryPolicy{Attempts: 1}

type handlerOptions struct {
	retry  RetryPolicy
	logger Logger
	clock  clock.Clock
}

// HandlerOption configures a CommandHandler.
type HandlerOption func(*handlerOptions)

// WithRetryPolicy sets the conflict retry policy.
func WithRetryPolicy(p RetryPolicy) HandlerOption {
	return func(o *handlerOptions) {
		o.retry = p
	}
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = l
	}
}

// WithHandlerClock sets the clock used to wait between retries.
func WithHandlerClock(c clock.Clock) HandlerOption {
	return func(o *handlerOptions) {
		o.clock = c
	}
}

// CommandHandler runs commands against one decider: load, fold, decide, save.
type CommandHandler[C Command, S any, E Event] struct {
	handlerOptions
	store   *EventStore[E]
	decider Decider[C, S, E]
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler[C Command, S any, E Event](store *EventStore[E], decider Decider[C, S, E], opts ...HandlerOption) *CommandHandler[C, S, E] {
	h := &CommandHandler[C, S, E]{
		store:   store,
		decider: decider,
		handlerOptions: handlerOptions{
			retry:  DefaultRetryPolicy,
			logger: store.logger,
			clock:  clock.WallClock,
		},
	}

	for _, opt := range opts {
		opt(&h.handlerOptions)
	}

	return h
}

// Load rebuilds the aggregate addressed by key and returns it with its latest version.
func (h *CommandHandler[C, S, E]) Load(ctx context.Context, key StreamKey) (*AggregateRoot[C, S, E], string, error) {
	history, err := h.store.FetchEvents(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return FromEvents(h.decider, Events(history)), LatestVersion(history), nil
}

// Handle executes a command and returns the events it persisted.
// An empty result with a nil error means the command changed nothing.
// Decider errors are returned as *RejectedError, conflicts that outlast
// the retry policy as *ConcurrencyError.
func (h *CommandHandler[C, S, E]) Handle(ctx context.Context, cmd C) ([]Versioned[E], error) {
	if isNil(cmd) {
		return nil, ErrNilCommand
	}
	if v, ok := any(cmd).(ValidatableCommand); ok {
		if err := v.Validate(); err != nil {
			return nil, NewValidationErrorWithCause(commandType(cmd), "", err.Error(), err)
		}
	}
	if err := KeyOf(cmd).Validate(); err != nil {
		return nil, NewValidationErrorWithCause(commandType(cmd), "", "aggregate key is incomplete", err)
	}

	if h.retry.Attempts <= 1 {
		return h.attempt(ctx, cmd)
	}

	delay := h.retry.Delay
	if delay <= 0 {
		// retry.Call refuses a zero delay; the smallest one retries at once.
		delay = time.Nanosecond
	}

	var (
		result     []Versioned[E]
		attemptErr error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			result, attemptErr = h.attempt(ctx, cmd)
			return attemptErr
		},
		IsFatalError: func(err error) bool {
			return !IsConflict(err)
		},
		NotifyFunc: func(err error, attempt int) {
			h.logger.Info("command conflicted, reloading",
				"command", commandType(cmd), "aggregate", KeyOf(cmd).String(), "attempt", attempt)
		},
		Attempts:    h.retry.Attempts,
		Delay:       delay,
		MaxDelay:    h.retry.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       h.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return result, nil
	case attemptErr == nil:
		// The call never ran.
		return nil, err
	case !IsConflict(attemptErr):
		// retry.Call traces fatal errors without Unwrap; hand back the original.
		return nil, attemptErr
	case retry.IsAttemptsExceeded(err):
		return nil, attemptErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, attemptErr
}

func (h *CommandHandler[C, S, E]) attempt(ctx context.Context, cmd C) ([]Versioned[E], error) {
	key := KeyOf(cmd)
	root, version, err := h.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	events, err := h.decide(root, cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		h.logger.Debug("command produced no events", "command", commandType(cmd), "aggregate", key.String())
		return []Versioned[E]{}, nil
	}

	opts := []SaveOption{ExpectVersion(key, version)}
	if ic, ok := any(cmd).(IdentifiedCommand); ok && ic.CommandID() != "" {
		opts = append(opts, WithCommandID(ic.CommandID()))
	}

	return h.store.Save(ctx, events, opts...)
}

func (h *CommandHandler[C, S, E]) decide(root *AggregateRoot[C, S, E], cmd C) (events []E, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(commandType(cmd), r, string(debug.Stack()))
			h.logger.Error("decider panicked", "command", commandType(cmd), "panic", fmt.Sprint(r))
		}
	}()

	events, err = root.Handle(cmd)
	if err != nil {
		return nil, NewRejectedError(KeyOf(cmd), commandType(cmd), err)
	}
	return events, nil
}

func commandType(cmd interface{}) string {
	t := reflect.TypeOf(cmd)
	if t == nil {
		return "<nil>"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return rv.IsNil()
	}
	return false
}
