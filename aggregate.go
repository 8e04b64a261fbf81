package stoat

// AggregateRoot owns the state of one aggregate and the number of
// events applied to it. It is rebuilt per command and never shared
// across concurrent handlers without going through the store.
type AggregateRoot[C Command, S any, E Event] struct {
	decider Decider[C, S, E]
	state   S
	version int64
}

// NewAggregateRoot creates a root in the decider's initial state.
func NewAggregateRoot[C Command, S any, E Event](d Decider[C, S, E]) *AggregateRoot[C, S, E] {
	return &AggregateRoot[C, S, E]{
		decider: d,
		state:   d.InitialState(),
	}
}

// FromEvents replays events into a new root.
func FromEvents[C Command, S any, E Event](d Decider[C, S, E], events []E) *AggregateRoot[C, S, E] {
	root := NewAggregateRoot(d)
	root.ApplyAll(events)
	return root
}

// Handle asks the decider for the events a command produces.
// The root is not modified; apply the events once they are persisted.
func (r *AggregateRoot[C, S, E]) Handle(cmd C) ([]E, error) {
	return r.decider.Decide(cmd, r.state)
}

// Apply folds one event into the state.
func (r *AggregateRoot[C, S, E]) Apply(event E) {
	r.state = r.decider.Evolve(r.state, event)
	r.version++
}

// ApplyAll folds events in order.
func (r *AggregateRoot[C, S, E]) ApplyAll(events []E) {
	for _, e := range events {
		r.Apply(e)
	}
}

// State returns the current state.
func (r *AggregateRoot[C, S, E]) State() S {
	return r.state
}

// Version returns the number of applied events.
func (r *AggregateRoot[C, S, E]) Version() int64 {
	return r.version
}
