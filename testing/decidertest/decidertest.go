// Package decidertest provides Given-When-Then fixtures for deciders.
//
// The pure fixture runs a command against a state folded from given events:
//
//	decidertest.For(t, fixtures.NewTodoDecider()).
//		Given(fixtures.TodoAdded{ID: "1", Title: "milk"}).
//		When(fixtures.CompleteTodo{ID: "1"}).
//		Then(fixtures.TodoCompleted{ID: "1"})
//
// The handler fixture does the same through a CommandHandler and a real store.
package decidertest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// TB is an alias for testing.TB to allow mocking in tests.
type TB = testing.TB

// Fixture tests one decider without storage.
type Fixture[C stoat.Command, S any, E stoat.Event] struct {
	t        TB
	root     *stoat.AggregateRoot[C, S, E]
	events   []E
	err      error
	executed bool
}

// For creates a fixture starting from the decider's initial state.
func For[C stoat.Command, S any, E stoat.Event](t TB, d stoat.Decider[C, S, E]) *Fixture[C, S, E] {
	t.Helper()
	return &Fixture[C, S, E]{
		t:    t,
		root: stoat.NewAggregateRoot(d),
	}
}

// Given applies historical events before the command runs.
func (f *Fixture[C, S, E]) Given(events ...E) *Fixture[C, S, E] {
	f.root.ApplyAll(events)
	return f
}

// When decides cmd against the given state.
func (f *Fixture[C, S, E]) When(cmd C) *Fixture[C, S, E] {
	f.t.Helper()
	f.events, f.err = f.root.Handle(cmd)
	f.executed = true
	return f
}

func (f *Fixture[C, S, E]) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("decidertest: %s must be called after When", step)
	}
}

// Then asserts that the decision succeeded with exactly the expected events.
func (f *Fixture[C, S, E]) Then(expected ...E) *Fixture[C, S, E] {
	f.t.Helper()
	f.mustHaveRun("Then")

	if f.err != nil {
		f.t.Fatalf("expected success but got error: %v", f.err)
	}
	assertEvents(f.t, expected, f.events)
	return f
}

// ThenNoEvents asserts that the decision succeeded without changes.
func (f *Fixture[C, S, E]) ThenNoEvents() *Fixture[C, S, E] {
	f.t.Helper()
	f.mustHaveRun("ThenNoEvents")

	if f.err != nil {
		f.t.Fatalf("expected success but got error: %v", f.err)
	}
	if len(f.events) > 0 {
		f.t.Errorf("expected no events, got %d: %+v", len(f.events), f.events)
	}
	return f
}

// ThenError asserts that the decision failed with an error matching target.
func (f *Fixture[C, S, E]) ThenError(target error) {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.err == nil {
		f.t.Fatalf("expected error %v but got events %+v", target, f.events)
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("expected error %v, got %v", target, f.err)
	}
}

// ThenErrorContains asserts that the error message contains substring.
func (f *Fixture[C, S, E]) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains")

	if f.err == nil {
		f.t.Fatal("expected error but got success")
	}
	if !strings.Contains(f.err.Error(), substring) {
		f.t.Errorf("expected error containing %q, got %q", substring, f.err.Error())
	}
}

// ThenState asserts the state reached by applying the decided events.
func (f *Fixture[C, S, E]) ThenState(expected S) {
	f.t.Helper()
	f.mustHaveRun("ThenState")

	f.root.ApplyAll(f.events)
	f.events = nil
	if actual := f.root.State(); !reflect.DeepEqual(expected, actual) {
		f.t.Errorf("state mismatch:\nexpected: %+v\nactual:   %+v", expected, actual)
	}
}

// =============================================================================
// Handler Fixture
// =============================================================================

// HandlerFixture tests a CommandHandler against its event store.
type HandlerFixture[C stoat.Command, S any, E stoat.Event] struct {
	t        TB
	ctx      context.Context
	handler  *stoat.CommandHandler[C, S, E]
	store    *stoat.EventStore[E]
	given    []E
	result   []stoat.Versioned[E]
	err      error
	executed bool
}

// GivenHandler creates a fixture around handler and the store it writes to.
func GivenHandler[C stoat.Command, S any, E stoat.Event](t TB, handler *stoat.CommandHandler[C, S, E], store *stoat.EventStore[E]) *HandlerFixture[C, S, E] {
	t.Helper()
	return &HandlerFixture[C, S, E]{
		t:       t,
		ctx:     context.Background(),
		handler: handler,
		store:   store,
	}
}

// WithContext sets the context commands run under.
func (f *HandlerFixture[C, S, E]) WithContext(ctx context.Context) *HandlerFixture[C, S, E] {
	f.ctx = ctx
	return f
}

// WithExistingEvents saves events before the command runs.
func (f *HandlerFixture[C, S, E]) WithExistingEvents(events ...E) *HandlerFixture[C, S, E] {
	f.given = append(f.given, events...)
	return f
}

// When saves the existing events and handles cmd.
func (f *HandlerFixture[C, S, E]) When(cmd C) *HandlerFixture[C, S, E] {
	f.t.Helper()

	if len(f.given) > 0 {
		if _, err := f.store.Save(f.ctx, f.given); err != nil {
			f.t.Fatalf("failed to save existing events: %v", err)
		}
	}

	f.result, f.err = f.handler.Handle(f.ctx, cmd)
	f.executed = true
	return f
}

func (f *HandlerFixture[C, S, E]) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("decidertest: %s must be called after When", step)
	}
}

// ThenSucceeds asserts the command succeeded.
func (f *HandlerFixture[C, S, E]) ThenSucceeds() *HandlerFixture[C, S, E] {
	f.t.Helper()
	f.mustHaveRun("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("expected success but got error: %v", f.err)
	}
	return f
}

// ThenEvents asserts the command saved exactly the expected events.
func (f *HandlerFixture[C, S, E]) ThenEvents(expected ...E) *HandlerFixture[C, S, E] {
	f.t.Helper()
	f.ThenSucceeds()
	assertEvents(f.t, expected, stoat.Events(f.result))
	return f
}

// ThenFails asserts the command failed with an error matching target.
func (f *HandlerFixture[C, S, E]) ThenFails(target error) {
	f.t.Helper()
	f.mustHaveRun("ThenFails")

	if f.err == nil {
		f.t.Fatal("expected failure but got success")
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("expected error %v, got %v", target, f.err)
	}
}

// ThenStream asserts the full content of the command's stream afterwards.
func (f *HandlerFixture[C, S, E]) ThenStream(key stoat.StreamKey, expected ...E) *HandlerFixture[C, S, E] {
	f.t.Helper()
	f.mustHaveRun("ThenStream")

	history, err := f.store.FetchEvents(f.ctx, key)
	if err != nil {
		f.t.Fatalf("failed to fetch %s: %v", key, err)
	}
	assertEvents(f.t, expected, stoat.Events(history))
	return f
}

// Result returns the versioned events saved by the command.
func (f *HandlerFixture[C, S, E]) Result() []stoat.Versioned[E] {
	return f.result
}

func assertEvents[E any](t TB, expected, actual []E) {
	t.Helper()

	if len(actual) != len(expected) {
		t.Fatalf("expected %d events, got %d.\nexpected: %+v\nactual:   %+v",
			len(expected), len(actual), expected, actual)
	}
	for i := range expected {
		if !reflect.DeepEqual(expected[i], actual[i]) {
			t.Errorf("event %d mismatch:\nexpected: %+v\nactual:   %+v", i, expected[i], actual[i])
		}
	}
}
