// Package run implements the copilot run coordinator: the idempotent
// server-side execution of one conversational turn, the registry that makes
// retries converge on a single persisted result, and the HTTP/SSE surface
// that streams run events to the client.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TurnRequest is one user turn submitted for execution.
type TurnRequest struct {
	// ConversationID scopes the turn.
	ConversationID string `json:"conversation_id"`

	// RunID is the client-generated run identifier, stable across
	// retries of the same turn. Assigned server-side when empty.
	RunID string `json:"run_id,omitempty"`

	// Content is the user's message.
	Content string `json:"content"`

	// IdempotencyKey deduplicates retried turns. Optional; when present
	// it is the basis for replay.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Result is the outcome of a run, returned to the caller and stored in the
// idempotency registry for replay.
type Result struct {
	OK             bool   `json:"ok"`
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`

	// MessageID is the persisted assistant message id.
	MessageID string `json:"message_id,omitempty"`

	AssistantText string `json:"assistant_text,omitempty"`
	FollowUp      string `json:"follow_up,omitempty"`
	StepCount     int    `json:"step_count"`

	// PersistenceError is set when the run completed but conversation
	// memory failed to durably update. Non-fatal.
	PersistenceError bool `json:"persistence_error,omitempty"`

	// Replayed is set when the result was served from the idempotency
	// registry without executing a new run.
	Replayed bool `json:"replayed,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Record is the idempotency registry entry mapping a key to its completed
// run's result.
type Record struct {
	Key            string    `json:"key"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id"`
	Result         Result    `json:"result"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRunID generates a run identifier (format: run-{uuid}).
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String())
}
