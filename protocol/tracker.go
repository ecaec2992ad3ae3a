package protocol

import "sync"

// Tracker records which (runID, seq) pairs have been applied and which runs
// have reached a terminal event. It is the client-side dedup authority:
// network-level re-delivery and reordering within a run are tolerated by
// rejecting anything already seen, and nothing is accepted for a run once
// it completes — even stragglers arriving after a stream/fallback switch.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	seen      map[uint64]struct{}
	completed bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*runState)}
}

// Accept reports whether an event with the given sequence should be applied
// for the run, recording it if so. Unsequenced events (seq 0) are accepted
// whenever the run is not complete; they are control traffic and are never
// recorded.
func (t *Tracker) Accept(runID string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(runID)
	if state.completed {
		return false
	}
	if seq == 0 {
		return true
	}
	if _, dup := state.seen[seq]; dup {
		return false
	}
	state.seen[seq] = struct{}{}
	return true
}

// Complete marks the run terminal. Returns true on the first call for a run
// and false thereafter, which is exactly the terminal-once guard: callers
// apply the terminal event only when Complete returns true.
func (t *Tracker) Complete(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(runID)
	if state.completed {
		return false
	}
	state.completed = true
	// The seen set is dead weight once the run is terminal.
	state.seen = nil
	return true
}

// Completed reports whether the run has been marked terminal.
func (t *Tracker) Completed(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.runs[runID]
	return ok && state.completed
}

// Forget drops all state for a run. Controllers call this when tearing down
// a session so the tracker does not grow without bound.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

func (t *Tracker) state(runID string) *runState {
	state, ok := t.runs[runID]
	if !ok {
		state = &runState{seen: make(map[uint64]struct{})}
		t.runs[runID] = state
	}
	return state
}
