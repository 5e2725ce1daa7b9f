package agent

import (
	"context"
	"fmt"
)

type State string

// StateFunc runs one visit of a state and names the next one. Returning
// the empty state ends the machine.
type StateFunc func(ctx context.Context, b *Behaviour) (State, error)

// FSM is a cyclic behaviour that runs one state per iteration and only
// follows declared transitions.
type FSM struct {
	name        string
	current     State
	states      map[State]StateFunc
	transitions map[State]map[State]bool
	observer    func(from, to State)
	behaviour   *Behaviour
}

func NewFSM(name string, initial State) *FSM {
	f := &FSM{
		name:        name,
		current:     initial,
		states:      map[State]StateFunc{},
		transitions: map[State]map[State]bool{},
	}
	f.behaviour = NewCyclic(name, f.step)
	return f
}

func (f *FSM) AddState(s State, fn StateFunc) {
	f.states[s] = fn
}

func (f *FSM) AddTransition(from, to State) {
	if f.transitions[from] == nil {
		f.transitions[from] = map[State]bool{}
	}
	f.transitions[from][to] = true
}

// OnTransition is called under the agent lock after every state change.
func (f *FSM) OnTransition(fn func(from, to State)) {
	f.observer = fn
}

// Current must be read under the agent lock (from a behaviour or Inspect).
func (f *FSM) Current() State {
	return f.current
}

// Behaviour is the cyclic behaviour driving the machine.
func (f *FSM) Behaviour() *Behaviour {
	return f.behaviour
}

func (f *FSM) step(ctx context.Context, b *Behaviour) error {
	fn, ok := f.states[f.current]
	if !ok {
		return fmt.Errorf("%w: fsm %s has no state %q", ErrInvariant, f.name, f.current)
	}
	next, err := fn(ctx, b)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if next == "" {
		b.Kill(0)
		return nil
	}
	if !f.transitions[f.current][next] {
		return fmt.Errorf("%w: fsm %s transition %s -> %s not declared", ErrInvariant, f.name, f.current, next)
	}
	from := f.current
	f.current = next
	if f.observer != nil {
		f.observer(from, next)
	}
	return nil
}
