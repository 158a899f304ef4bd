package fsm

import (
	"context"
	"fmt"
	"sync"
)

// State represents a state identifier.
type State string

// Event represents a transition trigger.
type Event string

// Transition defines a state change caused by an event.
type Transition struct {
	From   State
	Event  Event
	To     State
	Action func(ctx context.Context) error
}

// FSM is a small finite state machine. Triggering an event that has no
// transition from the current state is a no-op.
type FSM struct {
	current     State
	initial     State
	transitions map[State]map[Event]Transition
	onEnter     map[State]func(ctx context.Context)
	mu          sync.RWMutex
	// trigger serializes transitions; mu is not held while actions run.
	trigger sync.Mutex
}

// New creates an FSM in the given initial state.
func New(initial State) *FSM {
	return &FSM{
		current:     initial,
		initial:     initial,
		transitions: make(map[State]map[Event]Transition),
		onEnter:     make(map[State]func(ctx context.Context)),
	}
}

// AddTransition registers a transition.
func (f *FSM) AddTransition(t Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transitions[t.From]; !ok {
		f.transitions[t.From] = make(map[Event]Transition)
	}
	f.transitions[t.From][t.Event] = t
}

// OnEnter registers a callback run after the machine enters s.
func (f *FSM) OnEnter(s State, fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnter[s] = fn
}

// Validate checks that every state with a registered callback is
// reachable from the initial state.
func (f *FSM) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reachable := map[State]bool{f.initial: true}
	for changed := true; changed; {
		changed = false
		for from, evs := range f.transitions {
			if !reachable[from] {
				continue
			}
			for _, t := range evs {
				if t.To == "" {
					return fmt.Errorf("transition %s --%s--> has no target state", from, t.Event)
				}
				if !reachable[t.To] {
					reachable[t.To] = true
					changed = true
				}
			}
		}
	}
	for s := range f.onEnter {
		if !reachable[s] {
			return fmt.Errorf("state %s unreachable", s)
		}
	}
	return nil
}

// Trigger moves the FSM according to an event and reports whether a
// transition happened. If the transition action fails the state is left
// unchanged and the error is returned. State may be read while an action
// runs; it reports the state the machine is leaving.
func (f *FSM) Trigger(ctx context.Context, e Event) (bool, error) {
	f.trigger.Lock()
	defer f.trigger.Unlock()

	f.mu.RLock()
	trans, ok := f.transitions[f.current][e]
	f.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if trans.Action != nil {
		if err := trans.Action(ctx); err != nil {
			return false, err
		}
	}

	f.mu.Lock()
	f.current = trans.To
	enter := f.onEnter[trans.To]
	f.mu.Unlock()

	if enter != nil {
		enter(ctx)
	}
	return true, nil
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}
