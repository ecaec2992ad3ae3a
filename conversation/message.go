// Package conversation holds the per-conversation message log backing the
// copilot chat surface.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted chat message.
type Message struct {
	// ID uniquely identifies this message (format: m-{uuid8})
	ID string `json:"id"`

	// ConversationID scopes the message.
	ConversationID string `json:"conversation_id"`

	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// FollowUp is the follow-up question attached to an assistant
	// message, if the memory engine emitted one.
	FollowUp string `json:"follow_up,omitempty"`

	// RunID links the message to the run that persisted it.
	RunID string `json:"run_id,omitempty"`

	// CreatedAt is when the message was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             fmt.Sprintf("m-%s", uuid.New().String()[:8]),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}
