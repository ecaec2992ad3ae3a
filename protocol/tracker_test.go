package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerDedup(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.Accept("run-1", 1))
	assert.False(t, tr.Accept("run-1", 1), "replayed (runID, seq) must be a no-op")
	assert.True(t, tr.Accept("run-1", 2))

	// Same seq on another run is independent.
	assert.True(t, tr.Accept("run-2", 1))
}

func TestTrackerUnsequencedControlEvents(t *testing.T) {
	tr := NewTracker()

	// Seq 0 is accepted repeatedly while the run is live.
	assert.True(t, tr.Accept("run-1", 0))
	assert.True(t, tr.Accept("run-1", 0))

	tr.Complete("run-1")
	assert.False(t, tr.Accept("run-1", 0))
}

func TestTrackerTerminalOnce(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.Accept("run-1", 1))
	assert.True(t, tr.Complete("run-1"), "first terminal applies")
	assert.False(t, tr.Complete("run-1"), "second terminal is discarded")

	// Late stragglers after the terminal event are discarded, seen or not.
	assert.False(t, tr.Accept("run-1", 2))
	assert.False(t, tr.Accept("run-1", 1))
	assert.True(t, tr.Completed("run-1"))
}

func TestTrackerCompleteUnknownRun(t *testing.T) {
	tr := NewTracker()

	// Marking a run complete before any events (supersession path) still
	// blocks everything that arrives later.
	assert.True(t, tr.Complete("run-x"))
	assert.False(t, tr.Accept("run-x", 1))
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker()
	tr.Accept("run-1", 1)
	tr.Complete("run-1")
	tr.Forget("run-1")

	assert.False(t, tr.Completed("run-1"))
	assert.True(t, tr.Accept("run-1", 1), "forgotten run starts fresh")
}
