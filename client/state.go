// Package client implements the run controller that drives one
// conversational turn against the copilot server: it opens the SSE stream,
// applies events with sequence dedup and terminal-once guarantees, falls
// back to a single blocking request when the stream produced no evidence
// of work, and projects status events into a display activity.
package client

import "fmt"

// State is the lifecycle state of one client-side run.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateError      State = "error"
	StateFallback   State = "fallback"
)

// validTransitions is the full transition relation. Terminal states have
// no successors; a new run gets a new machine.
var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateStreaming, StateDone, StateError, StateFallback},
	StateStreaming:  {StateDone, StateError},
	StateFallback:   {StateDone, StateError},
}

// CanTransition reports whether the relation permits moving to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Machine tracks one run's state. Transitions are validated; the machine
// is not safe for concurrent use and is owned by the controller goroutine
// driving the run.
type Machine struct {
	state State
}

// NewMachine starts at idle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Transition moves to next, or fails if the relation forbids it.
func (m *Machine) Transition(next State) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("invalid transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}
