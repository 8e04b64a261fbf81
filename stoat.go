// Package stoat provides an event-sourcing runtime built around deciders.
//
// A Decider is a pure pair of functions: Decide turns a command and the
// current state into new events, Evolve folds one event into the state.
// State is never stored; it is always the fold of a stream's events.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/AshkanYarmoradi/go-stoat"
//	    "github.com/AshkanYarmoradi/go-stoat/adapters/memory"
//	)
//
//	store := stoat.NewEventStore[TodoEvent](memory.NewAdapter())
//	store.RegisterEvents(TodoCreated{}, TodoCompleted{})
//
// For production, use the PostgreSQL adapter:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := stoat.NewEventStore[TodoEvent](adapter, stoat.WithPublisher(hub))
//
// # Handling Commands
//
// A CommandHandler loads the stream, folds it, asks the decider for new
// events and saves them chained to the version it read. When another writer
// got there first the save fails with ErrConcurrencyConflict and the
// handler reloads and retries:
//
//	handler := stoat.NewCommandHandler[TodoCommand, TodoState, TodoEvent](store, todoDecider)
//	events, err := handler.Handle(ctx, CompleteTodo{ID: "42"})
//
// A decision that changes nothing returns no events and no error.
//
// # Streams and Finality
//
// Events are grouped in streams keyed by aggregate type and id. Within a
// stream each stored event points at the id of its predecessor; storage
// rejects two events claiming the same predecessor. An event whose IsFinal
// reports true closes its stream for good.
package stoat

// Version is the library version.
const Version = "0.1.0"

// Logger defines the logging interface used across the runtime.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}
