package live

import (
	"errors"
	"fmt"
	"sync"
)

// State is the transport-level lifecycle state of a [Session].
type State int

const (
	StateUnopened State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateUnopened:   "unopened",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// AcceptsAudio reports whether SendAudio may enqueue in this state.
func (s State) AcceptsAudio() bool { return s == StateConnecting || s == StateOpen }

// ErrInvalidTransition is returned by [StateMachine.Transition] for an edge
// the lifecycle does not allow.
var ErrInvalidTransition = errors.New("live: invalid state transition")

var transitions = map[State][]State{
	StateUnopened:   {StateConnecting, StateClosed},
	StateConnecting: {StateOpen, StateClosing, StateFailed},
	StateOpen:       {StateClosing, StateFailed},
	StateClosing:    {StateClosed, StateFailed},
}

// StateMachine guards a [State] with the allowed lifecycle edges:
//
//	Unopened → Connecting → Open → Closing → Closed
//	                  │        │       │
//	                  └────────┴───────┴──→ Failed
//
// Connecting may also go straight to Closing. A StateMachine is safe for
// concurrent use; the zero value starts in StateUnopened.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if the edge is allowed.
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.state, next)
}

// TransitionFrom moves to next only if the current state is one of from. It
// reports whether the transition happened.
func (m *StateMachine) TransitionFrom(next State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state != f {
			continue
		}
		for _, allowed := range transitions[m.state] {
			if allowed == next {
				m.state = next
				return true
			}
		}
	}
	return false
}
