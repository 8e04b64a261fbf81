// Package fixtures holds two small deciders used across stoat's tests.
//
// Todo keeps its state as a sum type with an explicit NoTodo variant.
// Session keeps an Optional state that stays absent until the first event.
package fixtures

import (
	"errors"
	"strings"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// TodoAggregate is the aggregate type of todo streams.
const TodoAggregate = "Todo"

// Errors returned by TodoDecider.
var (
	ErrTodoExists    = errors.New("todo already exists")
	ErrTodoNotFound  = errors.New("todo not found")
	ErrTodoCompleted = errors.New("todo already completed")
	ErrEmptyTitle    = errors.New("title must not be empty")
)

// =============================================================================
// Commands
// =============================================================================

// TodoCommand is any command addressed to a todo.
type TodoCommand interface {
	stoat.Command
	todoCommand()
}

// AddTodo creates a todo.
type AddTodo struct {
	ID        string
	Title     string
	RequestID string
}

func (c AddTodo) AggregateType() string { return TodoAggregate }
func (c AddTodo) AggregateID() string   { return c.ID }
func (c AddTodo) CommandID() string     { return c.RequestID }
func (c AddTodo) todoCommand()          {}

// Validate rejects blank titles.
func (c AddTodo) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrEmptyTitle
	}
	return nil
}

// RenameTodo changes the title of an open todo.
type RenameTodo struct {
	ID    string
	Title string
}

func (c RenameTodo) AggregateType() string { return TodoAggregate }
func (c RenameTodo) AggregateID() string   { return c.ID }
func (c RenameTodo) todoCommand()          {}

// Validate rejects blank titles.
func (c RenameTodo) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrEmptyTitle
	}
	return nil
}

// CompleteTodo marks a todo done.
type CompleteTodo struct {
	ID string
}

func (c CompleteTodo) AggregateType() string { return TodoAggregate }
func (c CompleteTodo) AggregateID() string   { return c.ID }
func (c CompleteTodo) todoCommand()          {}

// ArchiveTodo closes the todo stream for good.
type ArchiveTodo struct {
	ID string
}

func (c ArchiveTodo) AggregateType() string { return TodoAggregate }
func (c ArchiveTodo) AggregateID() string   { return c.ID }
func (c ArchiveTodo) todoCommand()          {}

// =============================================================================
// Events
// =============================================================================

// TodoEvent is any event of a todo stream.
type TodoEvent interface {
	stoat.Event
	todoEvent()
}

// TodoAdded records a new todo.
type TodoAdded struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (e TodoAdded) AggregateType() string { return TodoAggregate }
func (e TodoAdded) AggregateID() string   { return e.ID }
func (e TodoAdded) EventType() string     { return "TodoAdded" }
func (e TodoAdded) IsFinal() bool         { return false }
func (e TodoAdded) todoEvent()            {}

// TodoRenamed records a new title.
type TodoRenamed struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (e TodoRenamed) AggregateType() string { return TodoAggregate }
func (e TodoRenamed) AggregateID() string   { return e.ID }
func (e TodoRenamed) EventType() string     { return "TodoRenamed" }
func (e TodoRenamed) IsFinal() bool         { return false }
func (e TodoRenamed) todoEvent()            {}

// TodoCompleted records that a todo is done.
type TodoCompleted struct {
	ID string `json:"id"`
}

func (e TodoCompleted) AggregateType() string { return TodoAggregate }
func (e TodoCompleted) AggregateID() string   { return e.ID }
func (e TodoCompleted) EventType() string     { return "TodoCompleted" }
func (e TodoCompleted) IsFinal() bool         { return false }
func (e TodoCompleted) todoEvent()            {}

// TodoArchived is the final event of a todo stream.
type TodoArchived struct {
	ID string `json:"id"`
}

func (e TodoArchived) AggregateType() string { return TodoAggregate }
func (e TodoArchived) AggregateID() string   { return e.ID }
func (e TodoArchived) EventType() string     { return "TodoArchived" }
func (e TodoArchived) IsFinal() bool         { return true }
func (e TodoArchived) todoEvent()            {}

// TodoEvents returns one example of every todo event, for registration.
func TodoEvents() []interface{} {
	return []interface{}{TodoAdded{}, TodoRenamed{}, TodoCompleted{}, TodoArchived{}}
}

// =============================================================================
// State
// =============================================================================

// TodoState is one of NoTodo, OpenTodo, DoneTodo or ArchivedTodo.
type TodoState interface {
	todoState()
}

// NoTodo is the state before TodoAdded.
type NoTodo struct{}

// OpenTodo is a todo that is not done yet.
type OpenTodo struct {
	Title string
}

// DoneTodo is a completed todo.
type DoneTodo struct {
	Title string
}

// ArchivedTodo is a todo whose stream is closed.
type ArchivedTodo struct{}

func (NoTodo) todoState()       {}
func (OpenTodo) todoState()     {}
func (DoneTodo) todoState()     {}
func (ArchivedTodo) todoState() {}

// =============================================================================
// Decider
// =============================================================================

// TodoDecider decides todo commands.
type TodoDecider struct{}

var _ stoat.Decider[TodoCommand, TodoState, TodoEvent] = TodoDecider{}

// InitialState returns NoTodo.
func (TodoDecider) InitialState() TodoState {
	return NoTodo{}
}

// Decide returns the events a command produces in state. Renaming a todo
// to its current title produces no events.
func (TodoDecider) Decide(cmd TodoCommand, state TodoState) ([]TodoEvent, error) {
	switch c := cmd.(type) {
	case AddTodo:
		if _, ok := state.(NoTodo); !ok {
			return nil, ErrTodoExists
		}
		return []TodoEvent{TodoAdded{ID: c.ID, Title: c.Title}}, nil

	case RenameTodo:
		open, ok := state.(OpenTodo)
		switch {
		case !ok:
			return nil, notOpen(state)
		case open.Title == c.Title:
			return nil, nil
		}
		return []TodoEvent{TodoRenamed{ID: c.ID, Title: c.Title}}, nil

	case CompleteTodo:
		if _, ok := state.(OpenTodo); !ok {
			return nil, notOpen(state)
		}
		return []TodoEvent{TodoCompleted{ID: c.ID}}, nil

	case ArchiveTodo:
		switch state.(type) {
		case OpenTodo, DoneTodo:
			return []TodoEvent{TodoArchived{ID: c.ID}}, nil
		}
		return nil, ErrTodoNotFound
	}
	return nil, errors.New("unknown todo command")
}

// Evolve applies one event.
func (TodoDecider) Evolve(state TodoState, event TodoEvent) TodoState {
	switch e := event.(type) {
	case TodoAdded:
		return OpenTodo{Title: e.Title}
	case TodoRenamed:
		return OpenTodo{Title: e.Title}
	case TodoCompleted:
		if open, ok := state.(OpenTodo); ok {
			return DoneTodo{Title: open.Title}
		}
	case TodoArchived:
		return ArchivedTodo{}
	}
	return state
}

func notOpen(state TodoState) error {
	if _, ok := state.(DoneTodo); ok {
		return ErrTodoCompleted
	}
	return ErrTodoNotFound
}

// NewTodoDecider returns TodoDecider as a stoat.Decider.
func NewTodoDecider() stoat.Decider[TodoCommand, TodoState, TodoEvent] {
	return TodoDecider{}
}
