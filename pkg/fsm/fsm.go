// Package fsm is a small thread-safe finite state machine for lifecycles.
package fsm

import (
	"fmt"
	"sync"
)

// State represents a state identifier
type State string

// Event represents an event identifier
type Event string

// TransitionContext describes a completed transition
type TransitionContext struct {
	Machine string
	Event   Event
	From    State
	To      State
}

// TransitionError is returned when an event is not permitted in the current state
type TransitionError struct {
	Event Event
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition defined for event %s in state %s", e.Event, e.State)
}

// StateMachine maps (state, event) pairs to target states.
//
// Transitions are serialized by the machine's lock. Listeners run while it
// is held and must not call Fire on the same machine.
type StateMachine struct {
	id string

	mu        sync.Mutex
	current   State
	states    map[State]*stateConfig
	listeners []func(TransitionContext)
}

type stateConfig struct {
	targets map[Event]State
	ignored map[Event]bool
}

// New creates a machine in initial
func New(id string, initial State) *StateMachine {
	return &StateMachine{
		id:      id,
		current: initial,
		states:  make(map[State]*stateConfig),
	}
}

// CurrentState returns the current state
func (sm *StateMachine) CurrentState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Configure returns a builder for the transitions out of state
func (sm *StateMachine) Configure(state State) *StateConfigBuilder {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cfg, ok := sm.states[state]
	if !ok {
		cfg = &stateConfig{targets: make(map[Event]State), ignored: make(map[Event]bool)}
		sm.states[state] = cfg
	}
	return &StateConfigBuilder{sm: sm, config: cfg}
}

// Fire applies event and returns the resulting state. An ignored event
// leaves the state unchanged and notifies no listener.
func (sm *StateMachine) Fire(event Event) (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	cfg, ok := sm.states[from]
	if !ok {
		return from, &TransitionError{Event: event, State: from}
	}
	if cfg.ignored[event] {
		return from, nil
	}
	to, ok := cfg.targets[event]
	if !ok {
		return from, &TransitionError{Event: event, State: from}
	}

	sm.current = to
	tc := TransitionContext{Machine: sm.id, Event: event, From: from, To: to}
	for _, listener := range sm.listeners {
		listener(tc)
	}
	return to, nil
}

// OnTransition registers a listener called after every state change
func (sm *StateMachine) OnTransition(listener func(TransitionContext)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}
