package fixtures

import (
	"errors"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// SessionAggregate is the aggregate type of session streams.
const SessionAggregate = "Session"

// Errors returned by SessionDecider.
var (
	ErrSessionStarted    = errors.New("session already started")
	ErrSessionNotStarted = errors.New("session not started")
)

// SessionCommand is any command addressed to a session.
type SessionCommand interface {
	stoat.Command
	sessionCommand()
}

// StartSession opens a session for a user.
type StartSession struct {
	ID   string
	User string
}

func (c StartSession) AggregateType() string { return SessionAggregate }
func (c StartSession) AggregateID() string   { return c.ID }
func (c StartSession) sessionCommand()       {}

// EndSession closes a session. Ending it twice is a no-op.
type EndSession struct {
	ID string
}

func (c EndSession) AggregateType() string { return SessionAggregate }
func (c EndSession) AggregateID() string   { return c.ID }
func (c EndSession) sessionCommand()       {}

// SessionEvent is any event of a session stream.
type SessionEvent interface {
	stoat.Event
	sessionEvent()
}

// SessionStarted records a new session.
type SessionStarted struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

func (e SessionStarted) AggregateType() string { return SessionAggregate }
func (e SessionStarted) AggregateID() string   { return e.ID }
func (e SessionStarted) EventType() string     { return "SessionStarted" }
func (e SessionStarted) IsFinal() bool         { return false }
func (e SessionStarted) sessionEvent()         {}

// SessionEnded is the final event of a session stream.
type SessionEnded struct {
	ID string `json:"id"`
}

func (e SessionEnded) AggregateType() string { return SessionAggregate }
func (e SessionEnded) AggregateID() string   { return e.ID }
func (e SessionEnded) EventType() string     { return "SessionEnded" }
func (e SessionEnded) IsFinal() bool         { return true }
func (e SessionEnded) sessionEvent()         {}

// SessionEvents returns one example of every session event, for registration.
func SessionEvents() []interface{} {
	return []interface{}{SessionStarted{}, SessionEnded{}}
}

// Session is the state of a started session.
type Session struct {
	User  string
	Ended bool
}

// SessionState is absent until SessionStarted.
type SessionState = stoat.Optional[Session]

// SessionDecider decides session commands.
type SessionDecider struct{}

var _ stoat.Decider[SessionCommand, SessionState, SessionEvent] = SessionDecider{}

// InitialState returns an absent session.
func (SessionDecider) InitialState() SessionState {
	return stoat.None[Session]()
}

// Decide returns the events a command produces in state.
func (SessionDecider) Decide(cmd SessionCommand, state SessionState) ([]SessionEvent, error) {
	session, started := state.Get()

	switch c := cmd.(type) {
	case StartSession:
		if started {
			return nil, ErrSessionStarted
		}
		return []SessionEvent{SessionStarted{ID: c.ID, User: c.User}}, nil

	case EndSession:
		if !started {
			return nil, ErrSessionNotStarted
		}
		if session.Ended {
			return nil, nil
		}
		return []SessionEvent{SessionEnded{ID: c.ID}}, nil
	}
	return nil, errors.New("unknown session command")
}

// Evolve applies one event.
func (SessionDecider) Evolve(state SessionState, event SessionEvent) SessionState {
	switch e := event.(type) {
	case SessionStarted:
		return stoat.Some(Session{User: e.User})
	case SessionEnded:
		session := state.OrElse(Session{})
		session.Ended = true
		return stoat.Some(session)
	}
	return state
}

// NewSessionDecider returns SessionDecider as a stoat.Decider.
func NewSessionDecider() stoat.Decider[SessionCommand, SessionState, SessionEvent] {
	return SessionDecider{}
}
