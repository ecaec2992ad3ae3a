package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/flowdraft/protocol"
	"github.com/c360studio/flowdraft/run"
)

// ErrNoTurnToRetry is returned by Retry before any turn has been sent.
var ErrNoTurnToRetry = errors.New("no turn to retry")

// TurnOutcome is what a completed turn reports back to the caller.
type TurnOutcome struct {
	OK    bool
	RunID string

	MessageID     string
	AssistantText string
	FollowUp      string
	StepCount     int

	// PersistenceError mirrors the server flag: the run completed but
	// conversation memory failed to durably update.
	PersistenceError bool

	// Replayed means the server served a previously completed result.
	Replayed bool

	// Fallback means the result came from the blocking endpoint after the
	// stream produced no evidence of work.
	Fallback bool

	// Superseded means a newer turn aborted this one. Success-no-op.
	Superseded bool

	ErrorCode    string
	ErrorMessage string
}

// Controller drives turns against the server, one active run at a time.
// Starting a new turn supersedes and aborts any in-flight run.
type Controller struct {
	transport Transport
	tracker   *protocol.Tracker
	logger    *slog.Logger

	onActivity func(string)
	onMessage  func(*protocol.MessagePayload)

	mu          sync.Mutex
	activeRunID string
	abort       context.CancelFunc
	activity    string
	last        *lastTurn
}

// lastTurn remembers the most recent submission for explicit retry.
type lastTurn struct {
	conversationID string
	content        string
	runID          string
	attempt        int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithActivityHandler receives every activity projection update.
func WithActivityHandler(fn func(string)) ControllerOption {
	return func(c *Controller) { c.onActivity = fn }
}

// WithMessageHandler receives accepted message events as they stream in.
func WithMessageHandler(fn func(*protocol.MessagePayload)) ControllerOption {
	return func(c *Controller) { c.onMessage = fn }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// NewController creates a controller over the given transport.
func NewController(transport Transport, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport: transport,
		tracker:   protocol.NewTracker(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activity returns the latest projected activity text.
func (c *Controller) Activity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// SendTurn submits one user turn, superseding any in-flight run. It
// blocks until the turn reaches a terminal outcome.
func (c *Controller) SendTurn(ctx context.Context, conversationID, content string) (*TurnOutcome, error) {
	runID := run.NewRunID()

	c.mu.Lock()
	c.last = &lastTurn{
		conversationID: conversationID,
		content:        content,
		runID:          runID,
		attempt:        1,
	}
	key := deriveKey(runID, 1)
	c.mu.Unlock()

	return c.execute(ctx, conversationID, content, runID, key)
}

// Retry resubmits the last turn, reusing its run id with a fresh
// idempotency key derived from it. The run's terminal guard is cleared so
// the retried stream's events apply.
func (c *Controller) Retry(ctx context.Context) (*TurnOutcome, error) {
	c.mu.Lock()
	if c.last == nil {
		c.mu.Unlock()
		return nil, ErrNoTurnToRetry
	}
	c.last.attempt++
	turn := *c.last
	c.mu.Unlock()

	c.tracker.Forget(turn.runID)
	return c.execute(ctx, turn.conversationID, turn.content, turn.runID, deriveKey(turn.runID, turn.attempt))
}

// deriveKey mints the idempotency key for one attempt of a run. Stable
// within an attempt, distinct across explicit retries.
func deriveKey(runID string, attempt int) string {
	if attempt <= 1 {
		return "turn-" + runID
	}
	return fmt.Sprintf("turn-%s-%d", runID, attempt)
}

func (c *Controller) execute(ctx context.Context, conversationID, content, runID, key string) (*TurnOutcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Supersede: abort the previous transport and seal its run id so late
	// stragglers are discarded.
	c.mu.Lock()
	if c.abort != nil {
		c.abort()
		c.tracker.Complete(c.activeRunID)
	}
	c.abort = cancel
	c.activeRunID = runID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.activeRunID == runID {
			c.abort = nil
		}
		c.mu.Unlock()
	}()

	machine := NewMachine()
	if err := machine.Transition(StateConnecting); err != nil {
		return nil, err
	}
	c.setActivity("Sending your message")

	req := run.TurnRequest{
		ConversationID: conversationID,
		RunID:          runID,
		Content:        content,
		IdempotencyKey: key,
	}

	var (
		resultPayload *protocol.ResultPayload
		errorPayload  *protocol.ErrorPayload
		eventSeen     bool
	)
	onEvent := func(ev *protocol.Event) {
		eventSeen = true
		if ev.RunID != runID || ev.Type == protocol.EventPing {
			return
		}
		if !c.tracker.Accept(runID, ev.Seq) {
			return
		}
		if machine.State() == StateConnecting {
			_ = machine.Transition(StateStreaming)
		}

		switch ev.Type {
		case protocol.EventStatus:
			c.setActivity(ev.Status.Text)
		case protocol.EventMessage:
			if c.onMessage != nil {
				c.onMessage(ev.Message)
			}
		case protocol.EventResult:
			if c.tracker.Complete(runID) {
				resultPayload = ev.Result
				cancel()
			}
		case protocol.EventError:
			if c.tracker.Complete(runID) {
				errorPayload = ev.Error
				cancel()
			}
		}
	}

	streamErr := c.transport.Stream(runCtx, req, onEvent)

	switch {
	case resultPayload != nil:
		_ = machine.Transition(StateDone)
		return outcomeFromPayload(runID, resultPayload, false), nil

	case errorPayload != nil:
		_ = machine.Transition(StateError)
		c.setActivity("")
		return &TurnOutcome{
			RunID:        runID,
			ErrorCode:    errorPayload.Code,
			ErrorMessage: errorPayload.Message,
		}, nil

	case c.superseded(runID):
		// Aborted by a newer turn: success-no-op, no fallback.
		return &TurnOutcome{RunID: runID, Superseded: true}, nil

	case IsAuthError(streamErr):
		_ = machine.Transition(StateError)
		return nil, streamErr
	}

	// No terminal evidence and no delivered bytes means the server may
	// never have seen the request; the idempotency key makes one blocking
	// retry safe.
	var se *StreamError
	evidence := eventSeen
	if errors.As(streamErr, &se) && se.FirstByte {
		evidence = true
	}
	if evidence {
		_ = machine.Transition(StateError)
		if streamErr == nil {
			streamErr = fmt.Errorf("stream ended without a terminal event")
		}
		return nil, streamErr
	}

	if err := machine.Transition(StateFallback); err != nil {
		return nil, err
	}
	c.logger.Info("Stream produced no activity; falling back to blocking request",
		"run_id", runID, "error", streamErr)

	// The run context keeps the fallback abortable: a superseding turn
	// cancels it and the blocking request is cut immediately.
	result, err := c.transport.Submit(runCtx, req)
	if err != nil {
		if c.superseded(runID) {
			return &TurnOutcome{RunID: runID, Superseded: true}, nil
		}
		_ = machine.Transition(StateError)
		return nil, err
	}

	if !c.tracker.Complete(runID) {
		// A terminal was applied while the fallback was in flight
		// (superseded run sealed the id). The fallback result is
		// discarded rather than double-applied.
		return &TurnOutcome{RunID: runID, Superseded: true}, nil
	}
	_ = machine.Transition(StateDone)

	outcome := outcomeFromResult(result)
	outcome.Fallback = true
	return outcome, nil
}

func (c *Controller) superseded(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRunID != runID
}

func (c *Controller) setActivity(text string) {
	c.mu.Lock()
	c.activity = text
	fn := c.onActivity
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func outcomeFromPayload(runID string, p *protocol.ResultPayload, fallback bool) *TurnOutcome {
	return &TurnOutcome{
		OK:               true,
		RunID:            runID,
		MessageID:        p.MessageID,
		AssistantText:    p.AssistantText,
		FollowUp:         p.FollowUp,
		StepCount:        p.StepCount,
		PersistenceError: p.PersistenceError,
		Replayed:         p.Replayed,
		Fallback:         fallback,
	}
}

func outcomeFromResult(r *run.Result) *TurnOutcome {
	return &TurnOutcome{
		OK:               r.OK,
		RunID:            r.RunID,
		MessageID:        r.MessageID,
		AssistantText:    r.AssistantText,
		FollowUp:         r.FollowUp,
		StepCount:        r.StepCount,
		PersistenceError: r.PersistenceError,
		Replayed:         r.Replayed,
	}
}
