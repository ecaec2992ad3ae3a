package memory

import (
	"log/slog"
	"time"

	"github.com/c360studio/flowdraft/workflow"
)

// Input carries everything Advance needs for one turn.
type Input struct {
	// Document is the post-draft workflow document for this turn.
	Document *workflow.Document

	// ObservedRevision is the document revision as loaded before the
	// draft step ran. Compared against Memory.BuiltRevision for the
	// staleness check.
	ObservedRevision uint64

	// NewRevision is the document revision after this turn's save; it
	// becomes the memory's BuiltRevision.
	NewRevision uint64

	// PriorUserMessageID is the id of the most recent user message
	// before this turn, compared against Memory.BuiltLastMessageID.
	PriorUserMessageID string

	// UserMessageID is the id of this turn's persisted user message; it
	// becomes the memory's BuiltLastMessageID.
	UserMessageID string

	// UserMessage is the raw message content for this turn.
	UserMessage string

	// Candidate is the follow-up question suggested by the draft step,
	// if any. Preferred over the canned stage question unless its
	// normalized text was already asked.
	Candidate string
}

// FollowUpSource identifies where an emitted follow-up came from.
type FollowUpSource string

const (
	SourceDraft FollowUpSource = "draft"
	SourceStage FollowUpSource = "stage"
	SourceCap   FollowUpSource = "cap"
)

// Outcome is the result of advancing memory by one turn.
type Outcome struct {
	// FollowUp is the question to pose, or "" for silence. Silence is
	// valid; the turn still completes.
	FollowUp string

	// Source says which selection rule produced the follow-up.
	Source FollowUpSource

	// Activity is a human-readable status line for deterministic
	// extractions made this turn (e.g. "Adding a daily schedule (8am)"),
	// or "".
	Activity string

	// Stage is the stage after this turn.
	Stage Stage

	// CapReached is true when the question cap forced completion.
	CapReached bool
}

// Engine computes memory transitions. It is stateless apart from its
// configuration; Advance is a pure function of (memory, input).
type Engine struct {
	questionCap int
	askedWindow int
	templates   *Templates
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuestionCap sets the maximum number of follow-ups per conversation.
func WithQuestionCap(n int) Option {
	return func(e *Engine) { e.questionCap = n }
}

// WithAskedWindow sets how many normalized questions are retained for
// dedup.
func WithAskedWindow(n int) Option {
	return func(e *Engine) { e.askedWindow = n }
}

// WithTemplates sets the stage question templates.
func WithTemplates(t *Templates) Option {
	return func(e *Engine) { e.templates = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine with the given options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		questionCap: 8,
		askedWindow: 20,
		templates:   DefaultTemplates(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Advance applies one turn to the memory and selects the next follow-up.
// The input memory is not mutated; the returned memory carries the updated
// facts, stage, question bookkeeping, and staleness markers.
//
// Selection precedence is fixed: draft-step candidate first (unless its
// normalized text was already asked), canned stage question second (same
// dedup rule), silence third.
func (e *Engine) Advance(mem *Memory, in Input) (*Memory, Outcome) {
	if mem == nil {
		mem = New("")
	}

	// Staleness reset: memory accumulated against a document the user
	// has since changed, or against a different message head, must not
	// be applied to this turn.
	if mem.BuiltRevision != 0 && mem.StaleAgainst(in.ObservedRevision, in.PriorUserMessageID) {
		e.logger.Info("Discarding stale conversation memory",
			"conversation_id", mem.ConversationID,
			"built_revision", mem.BuiltRevision,
			"observed_revision", in.ObservedRevision)
		mem = New(mem.ConversationID)
	}

	next := mem.Clone()

	activity := ExtractFromMessage(next, in.UserMessage)
	ExtractFromDocument(next, in.Document)

	stage := computeStage(next, in.UserMessage)
	// Stages never regress while memory is continuous.
	if stage.rank() < next.Stage.rank() {
		stage = next.Stage
	}

	out := Outcome{Activity: activity, Stage: stage}

	if next.QuestionCount >= e.questionCap {
		out.FollowUp = CompletionMessage
		out.Source = SourceCap
		out.CapReached = true
		out.Stage = StageDone
		stage = StageDone
	} else if stage != StageDone {
		out.FollowUp, out.Source = e.selectQuestion(next, stage, in.Candidate)
		if out.FollowUp != "" {
			next.recordAsked(Normalize(out.FollowUp), e.askedWindow)
			next.QuestionCount++
		}
	}

	next.Stage = stage
	next.BuiltRevision = in.NewRevision
	next.BuiltLastMessageID = in.UserMessageID
	next.UpdatedAt = time.Now().UTC()

	return next, out
}

// selectQuestion applies the follow-up precedence rule.
func (e *Engine) selectQuestion(mem *Memory, stage Stage, candidate string) (string, FollowUpSource) {
	if candidate != "" && !mem.Asked(Normalize(candidate)) {
		return candidate, SourceDraft
	}

	canned := e.templates.Render(stage, mem.Facts)
	if canned != "" && !mem.Asked(Normalize(canned)) {
		return canned, SourceStage
	}

	// Both exhausted: silence. The turn still completes.
	return "", ""
}
