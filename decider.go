package stoat

// Decider is a pure command/event state machine.
//
// Decide must be free of side effects. Evolve must be total and
// deterministic: an event that does not apply to the state returns the
// state unchanged. A command whose effect would be a no-op yields no
// events and no error; a command that violates a precondition yields an error.
type Decider[C Command, S any, E Event] interface {
	Decide(cmd C, state S) ([]E, error)
	Evolve(state S, event E) S
	InitialState() S
}

// DeciderFuncs adapts plain functions to the Decider interface.
type DeciderFuncs[C Command, S any, E Event] struct {
	DecideFunc  func(cmd C, state S) ([]E, error)
	EvolveFunc  func(state S, event E) S
	InitialFunc func() S
}

// Decide calls DecideFunc.
func (d DeciderFuncs[C, S, E]) Decide(cmd C, state S) ([]E, error) {
	return d.DecideFunc(cmd, state)
}

// Evolve calls EvolveFunc.
func (d DeciderFuncs[C, S, E]) Evolve(state S, event E) S {
	return d.EvolveFunc(state, event)
}

// InitialState calls InitialFunc, or returns the zero state if it is nil.
func (d DeciderFuncs[C, S, E]) InitialState() S {
	if d.InitialFunc == nil {
		var zero S
		return zero
	}
	return d.InitialFunc()
}

// Fold replays events from the decider's initial state.
func Fold[C Command, S any, E Event](d Decider[C, S, E], events []E) S {
	return FoldFrom(d, d.InitialState(), events)
}

// FoldFrom replays events on top of an existing state.
func FoldFrom[C Command, S any, E Event](d Decider[C, S, E], state S, events []E) S {
	for _, e := range events {
		state = d.Evolve(state, e)
	}
	return state
}

// Optional holds a state that does not exist until the first event.
// Use it as S when a decider has no natural "none" variant of its own.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSome reports whether a value is present.
func (o Optional[T]) IsSome() bool {
	return o.ok
}

// OrElse returns the value or fallback when absent.
func (o Optional[T]) OrElse(fallback T) T {
	if !o.ok {
		return fallback
	}
	return o.value
}
