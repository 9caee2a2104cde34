package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:            {StateListeningToUser, StateGenerating},
	StateListeningToUser: {StateGenerating, StateIdle},
	StateGenerating:      {StateSpeaking, StateListeningToUser, StateIdle},
	StateSpeaking:        {StateListeningToUser, StateIdle},
}

// StateMachine holds the engine state and validates every transition.
type StateMachine struct {
	mu        sync.RWMutex
	current   State
	since     time.Time
	listeners []StateListener
	now       func() time.Time
}

func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle, since: time.Now(), now: time.Now}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since reports when the current state was entered.
func (sm *StateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Moving to the current
// state is a no-op and notifies nobody.
func (sm *StateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	from := sm.current
	if from == to {
		sm.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	sm.current = to
	sm.since = sm.now()
	event := StateChange{FromState: from, ToState: to, Timestamp: sm.since, Reason: reason}
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// Reset forces the machine back to Idle without validation.
func (sm *StateMachine) Reset(reason string) {
	sm.mu.Lock()
	from := sm.current
	sm.current = StateIdle
	sm.since = sm.now()
	event := StateChange{FromState: from, ToState: StateIdle, Timestamp: sm.since, Reason: reason}
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()
	if from == StateIdle {
		return
	}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
}

// AddListener registers a listener for state change events.
func (sm *StateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
