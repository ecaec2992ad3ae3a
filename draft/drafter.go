// Package draft defines the draft-step collaborator: the external service
// that turns a user message into an updated workflow document. The run
// coordinator treats it as fallible and slow, and invokes it at most once
// per non-replay run.
package draft

import (
	"context"

	"github.com/c360studio/flowdraft/conversation"
	"github.com/c360studio/flowdraft/workflow"
)

// Request carries one turn's input to the draft step.
type Request struct {
	// ConversationID scopes the turn.
	ConversationID string

	// UserMessage is the raw message content for this turn.
	UserMessage string

	// Document is the current workflow document, nil when none exists.
	Document *workflow.Document

	// History is the conversation so far, oldest first.
	History []*conversation.Message

	// Facts is the memory's extracted fact set, advisory context for the
	// model.
	Facts map[string]string
}

// Result is the draft step's output for one turn.
type Result struct {
	// Document is the updated workflow document.
	Document *workflow.Document `json:"document"`

	// AssistantText is the prose reply shown to the user.
	AssistantText string `json:"assistant_text"`

	// FollowUpCandidate is a model-suggested follow-up question; the
	// memory engine decides whether it is actually posed.
	FollowUpCandidate string `json:"follow_up_candidate,omitempty"`

	// StepCount is the number of steps in the updated document.
	StepCount int `json:"step_count"`
}

// Drafter is implemented by draft-step backends.
type Drafter interface {
	Draft(ctx context.Context, req Request) (*Result, error)
}
