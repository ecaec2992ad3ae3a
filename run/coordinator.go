package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/flowdraft/conversation"
	"github.com/c360studio/flowdraft/draft"
	"github.com/c360studio/flowdraft/memory"
	"github.com/c360studio/flowdraft/protocol"
	"github.com/c360studio/flowdraft/workflow"
)

// MessageStore persists conversation messages.
type MessageStore interface {
	Append(ctx context.Context, msg *conversation.Message) error
	List(ctx context.Context, conversationID string) ([]*conversation.Message, error)
}

// WorkflowStore persists workflow documents with optimistic concurrency.
type WorkflowStore interface {
	Load(ctx context.Context, conversationID string) (workflow.Snapshot, error)
	Save(ctx context.Context, conversationID string, doc *workflow.Document, expectedRevision uint64) (uint64, error)
}

// MemoryStore persists conversation memory.
type MemoryStore interface {
	Load(ctx context.Context, conversationID string) (*memory.Memory, error)
	Save(ctx context.Context, m *memory.Memory) error
}

// Sink receives the ordered event stream for a run. The SSE handler passes
// a writer-backed sink; the blocking path passes NopSink.
type Sink interface {
	Send(ev *protocol.Event) error
}

// NopSink discards all events.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(*protocol.Event) error { return nil }

// auditSubjectPrefix is where completed runs are announced for any
// downstream consumers (dashboards, trajectory tooling).
const auditSubjectPrefix = "copilot.run.completed"

// Coordinator executes runs. It is the single writer per conversation:
// each run's draft step completes before anything is persisted, and the
// registry's unique insert makes concurrent duplicates converge on one
// stored result.
type Coordinator struct {
	messages  MessageStore
	workflows WorkflowStore
	memories  MemoryStore
	registry  Registry
	drafter   draft.Drafter
	engine    *memory.Engine

	nc      *natsclient.Client
	metrics *Metrics
	logger  *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNATSClient enables audit publishing of completed runs. Nil disables
// it (graceful degradation).
func WithNATSClient(nc *natsclient.Client) CoordinatorOption {
	return func(c *Coordinator) { c.nc = nc }
}

// WithMetrics sets the coordinator metrics.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator wires a coordinator to its stores and collaborators.
func NewCoordinator(
	messages MessageStore,
	workflows WorkflowStore,
	memories MemoryStore,
	registry Registry,
	drafter draft.Drafter,
	engine *memory.Engine,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		messages:  messages,
		workflows: workflows,
		memories:  memories,
		registry:  registry,
		drafter:   drafter,
		engine:    engine,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Execute runs one turn to completion, emitting ordered events to the sink
// and returning the result. Replay of a completed idempotency key returns
// the stored result unchanged without re-invoking the draft step or
// re-persisting anything.
//
// On failure the returned error classifies the cause; the terminal error
// event has already been emitted to the sink.
func (c *Coordinator) Execute(ctx context.Context, req TurnRequest, sink Sink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}

	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if req.RunID == "" {
		req.RunID = NewRunID()
	}

	var seq uint64
	nextSeq := func() uint64 { seq++; return seq }

	// Replay path: a key that maps to a completed run for the same
	// conversation is served verbatim.
	if req.IdempotencyKey != "" {
		rec, err := c.registry.Lookup(ctx, req.IdempotencyKey)
		switch {
		case err == nil && rec.ConversationID == req.ConversationID:
			c.metrics.RunsReplayed.Inc()
			c.logger.Info("Replaying completed run",
				"conversation_id", req.ConversationID,
				"idempotency_key", req.IdempotencyKey,
				"run_id", rec.RunID)
			return c.replay(req.RunID, rec, sink, nextSeq)
		case err == nil:
			// A key reused across conversations masks a client bug;
			// ignore the stale mapping and proceed as a new run.
			c.logger.Warn("Idempotency key reused across conversations; proceeding as new run",
				"idempotency_key", req.IdempotencyKey,
				"key_conversation_id", rec.ConversationID,
				"conversation_id", req.ConversationID)
		case !errors.Is(err, ErrKeyNotFound):
			return c.fail(req, sink, nextSeq, "registry_unavailable", fmt.Errorf("lookup idempotency key: %w", err))
		}
	}

	c.metrics.RunsStarted.Inc()
	started := time.Now()

	c.emit(sink, protocol.NewStatus(req.RunID, nextSeq(), "received", "Understanding your request"))

	// Establish the message head before this turn for the memory
	// staleness check.
	history, err := c.messages.List(ctx, req.ConversationID)
	if err != nil {
		return c.fail(req, sink, nextSeq, "storage_unavailable", fmt.Errorf("list messages: %w", err))
	}
	priorUserMessageID := lastUserMessageID(history)

	userMsg := conversation.NewMessage(req.ConversationID, conversation.RoleUser, req.Content)
	userMsg.RunID = req.RunID
	if err := c.messages.Append(ctx, userMsg); err != nil {
		return c.fail(req, sink, nextSeq, "storage_unavailable", fmt.Errorf("persist user message: %w", err))
	}
	c.emit(sink, &protocol.Event{
		Type: protocol.EventMessage, RunID: req.RunID, Seq: nextSeq(),
		Message: &protocol.MessagePayload{
			MessageID: userMsg.ID,
			Role:      string(conversation.RoleUser),
			Content:   userMsg.Content,
		},
	})

	snapshot, err := c.workflows.Load(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return c.fail(req, sink, nextSeq, "storage_unavailable", fmt.Errorf("load workflow: %w", err))
	}

	mem, err := c.memories.Load(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		c.logger.Warn("Failed to load conversation memory; starting empty",
			"conversation_id", req.ConversationID, "error", err)
	}
	if mem == nil {
		mem = memory.New(req.ConversationID)
	}

	c.emit(sink, protocol.NewStatus(req.RunID, nextSeq(), "drafting", "Drafting workflow updates"))

	// The draft step is the slow, fallible part. Invoked at most once
	// per non-replay run.
	draftResult, err := c.drafter.Draft(ctx, draft.Request{
		ConversationID: req.ConversationID,
		UserMessage:    req.Content,
		Document:       snapshot.Document,
		History:        history,
		Facts:          mem.Facts,
	})
	if err != nil {
		// The user message stays persisted; no result is registered,
		// so replay of this key is impossible.
		c.metrics.DraftFailures.Inc()
		return c.fail(req, sink, nextSeq, "draft_failed", NewDraftStepError(err))
	}

	newRevision, err := c.saveDocument(ctx, req.ConversationID, draftResult.Document, snapshot.Revision)
	if err != nil {
		return c.fail(req, sink, nextSeq, "storage_unavailable", fmt.Errorf("save workflow: %w", err))
	}

	mem, outcome := c.engine.Advance(mem, memory.Input{
		Document:           draftResult.Document,
		ObservedRevision:   snapshot.Revision,
		NewRevision:        newRevision,
		PriorUserMessageID: priorUserMessageID,
		UserMessageID:      userMsg.ID,
		UserMessage:        req.Content,
		Candidate:          draftResult.FollowUpCandidate,
	})
	if outcome.Activity != "" {
		c.emit(sink, protocol.NewStatus(req.RunID, nextSeq(), "extracting", outcome.Activity))
	}

	assistantMsg := conversation.NewMessage(req.ConversationID, conversation.RoleAssistant, draftResult.AssistantText)
	assistantMsg.RunID = req.RunID
	assistantMsg.FollowUp = outcome.FollowUp

	result := &Result{
		OK:             true,
		RunID:          req.RunID,
		ConversationID: req.ConversationID,
		MessageID:      assistantMsg.ID,
		AssistantText:  draftResult.AssistantText,
		FollowUp:       outcome.FollowUp,
		StepCount:      draftResult.StepCount,
		CompletedAt:    time.Now().UTC(),
	}

	// Memory persistence failure is non-fatal: the run completes and
	// returns its result; the miss is logged and flagged.
	if err := c.memories.Save(ctx, mem); err != nil {
		c.logger.Error("Failed to persist conversation memory",
			"conversation_id", req.ConversationID, "run_id", req.RunID, "error", err)
		result.PersistenceError = true
	}

	// The unique insert decides the winner before the assistant message
	// is written: a run that loses the race converges on the stored
	// result without leaving a second assistant reply in the log.
	if req.IdempotencyKey != "" {
		rec := &Record{
			Key:            req.IdempotencyKey,
			ConversationID: req.ConversationID,
			RunID:          req.RunID,
			Result:         *result,
			CreatedAt:      time.Now().UTC(),
		}
		if err := c.registry.Register(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				c.metrics.KeyConflicts.Inc()
				winner, lerr := c.registry.Lookup(ctx, req.IdempotencyKey)
				if lerr == nil && winner.ConversationID == req.ConversationID {
					c.logger.Info("Idempotency race lost; converging on stored result",
						"idempotency_key", req.IdempotencyKey, "winner_run_id", winner.RunID)
					return c.replay(req.RunID, winner, sink, nextSeq)
				}
			} else {
				c.logger.Error("Failed to register idempotency key",
					"idempotency_key", req.IdempotencyKey, "error", err)
			}
		}
	}

	// The registered record is authoritative; an append miss here is
	// logged and flagged rather than failing a run whose result is
	// already durable.
	if err := c.messages.Append(ctx, assistantMsg); err != nil {
		c.logger.Error("Failed to persist assistant message",
			"conversation_id", req.ConversationID, "run_id", req.RunID, "error", err)
		result.PersistenceError = true
	}

	c.publishAudit(ctx, result)
	c.metrics.RunDuration.Observe(time.Since(started).Seconds())

	c.emit(sink, &protocol.Event{
		Type: protocol.EventResult, RunID: req.RunID, Seq: nextSeq(),
		Result: resultPayload(result),
	})
	return result, nil
}

// Readiness derives the proceed-affordance signals for a conversation from
// its stored memory.
func (c *Coordinator) Readiness(ctx context.Context, conversationID string) (memory.ReadinessSignals, error) {
	mem, err := c.memories.Load(ctx, conversationID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return memory.ReadinessSignals{}, nil
		}
		return memory.ReadinessSignals{}, err
	}
	return memory.Readiness(mem), nil
}

// Messages lists the conversation's persisted messages.
func (c *Coordinator) Messages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	return c.messages.List(ctx, conversationID)
}

// saveDocument writes the drafted document, absorbing one optimistic
// concurrency conflict by re-reading the current revision. The coordinator
// is single-writer per conversation, so a conflict means an out-of-band
// edit; the draft result still wins.
func (c *Coordinator) saveDocument(ctx context.Context, conversationID string, doc *workflow.Document, expectedRevision uint64) (uint64, error) {
	rev, err := c.workflows.Save(ctx, conversationID, doc, expectedRevision)
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, workflow.ErrRevisionConflict) {
		return 0, err
	}

	snapshot, lerr := c.workflows.Load(ctx, conversationID)
	if lerr != nil {
		return 0, fmt.Errorf("reload after conflict: %w", lerr)
	}
	return c.workflows.Save(ctx, conversationID, doc, snapshot.Revision)
}

// replay serves a stored result under the caller's run id. Events are
// re-emitted so a streaming client sees the same terminal shape a fresh
// run would produce.
func (c *Coordinator) replay(runID string, rec *Record, sink Sink, nextSeq func() uint64) (*Result, error) {
	result := rec.Result
	result.Replayed = true
	// The result is returned unchanged apart from the replay marker: the
	// original runId and message id are what the caller must converge on.

	c.emit(sink, &protocol.Event{
		Type: protocol.EventResult, RunID: runID, Seq: nextSeq(),
		Result: resultPayload(&result),
	})
	return &result, nil
}

// fail emits the terminal error event and returns the classified error.
func (c *Coordinator) fail(req TurnRequest, sink Sink, nextSeq func() uint64, code string, err error) (*Result, error) {
	c.metrics.RunsFailed.Inc()
	c.logger.Error("Run failed",
		"conversation_id", req.ConversationID,
		"run_id", req.RunID,
		"code", code,
		"error", err)

	c.emit(sink, &protocol.Event{
		Type: protocol.EventError, RunID: req.RunID, Seq: nextSeq(),
		Error: &protocol.ErrorPayload{Code: code, Message: err.Error()},
	})
	return nil, err
}

// emit sends an event, logging delivery failures. A dead sink does not
// abort the run: the blocking response still carries the result.
func (c *Coordinator) emit(sink Sink, ev *protocol.Event) {
	if err := sink.Send(ev); err != nil {
		c.logger.Debug("Event delivery failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
	}
}

// publishAudit announces a completed run on the audit subject. Best
// effort: the run result is already durable.
func (c *Coordinator) publishAudit(ctx context.Context, result *Result) {
	if c.nc == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Failed to marshal audit event", "run_id", result.RunID, "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%s", auditSubjectPrefix, result.ConversationID)
	if err := c.nc.PublishToStream(ctx, subject, data); err != nil {
		c.logger.Warn("Failed to publish audit event", "run_id", result.RunID, "error", err)
	}
}

func resultPayload(r *Result) *protocol.ResultPayload {
	return &protocol.ResultPayload{
		MessageID:        r.MessageID,
		AssistantText:    r.AssistantText,
		FollowUp:         r.FollowUp,
		StepCount:        r.StepCount,
		PersistenceError: r.PersistenceError,
		Replayed:         r.Replayed,
	}
}

func lastUserMessageID(history []*conversation.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return history[i].ID
		}
	}
	return ""
}
