package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MessagesBucket is the KV bucket name for conversation message logs.
const MessagesBucket = "CONVERSATION_MESSAGES"

// appendRetries bounds optimistic-concurrency retries on append. The run
// coordinator is single-writer per conversation, so conflicts here are
// rare and transient.
const appendRetries = 3

// ErrConflict is returned when an append loses the optimistic concurrency
// race more times than we are willing to retry.
var ErrConflict = errors.New("conversation log conflict")

// Store persists the message log, one KV entry per conversation.
type Store struct {
	bucket jetstream.KeyValue
}

// NewStore creates the store, ensuring the KV bucket exists.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      MessagesBucket,
		Description: "Per-conversation copilot message logs",
		TTL:         90 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &Store{bucket: bucket}, nil
}

// Append adds a message to the conversation log.
func (s *Store) Append(ctx context.Context, msg *Message) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		entry, err := s.bucket.Get(ctx, msg.ConversationID)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("get conversation log: %w", err)
		}

		var messages []*Message
		var revision uint64
		if err == nil {
			if uerr := json.Unmarshal(entry.Value(), &messages); uerr != nil {
				return fmt.Errorf("unmarshal conversation log: %w", uerr)
			}
			revision = entry.Revision()
		}

		messages = append(messages, msg)
		data, merr := json.Marshal(messages)
		if merr != nil {
			return fmt.Errorf("marshal conversation log: %w", merr)
		}

		if revision == 0 {
			if _, cerr := s.bucket.Create(ctx, msg.ConversationID, data); cerr != nil {
				if errors.Is(cerr, jetstream.ErrKeyExists) {
					continue // lost the creation race, reread and retry
				}
				return fmt.Errorf("create conversation log: %w", cerr)
			}
			return nil
		}

		if _, uerr := s.bucket.Update(ctx, msg.ConversationID, data, revision); uerr != nil {
			if errors.Is(uerr, jetstream.ErrKeyExists) || isWrongSequence(uerr) {
				continue
			}
			return fmt.Errorf("update conversation log: %w", uerr)
		}
		return nil
	}
	return ErrConflict
}

// List returns all messages for a conversation in append order.
func (s *Store) List(ctx context.Context, conversationID string) ([]*Message, error) {
	entry, err := s.bucket.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []*Message{}, nil
		}
		return nil, fmt.Errorf("get conversation log: %w", err)
	}

	var messages []*Message
	if err := json.Unmarshal(entry.Value(), &messages); err != nil {
		return nil, fmt.Errorf("unmarshal conversation log: %w", err)
	}
	return messages, nil
}

// LastMessageID returns the ID of the most recent message, or "" for an
// empty conversation. The memory engine uses this for its staleness check.
func (s *Store) LastMessageID(ctx context.Context, conversationID string) (string, error) {
	messages, err := s.List(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}
	return messages[len(messages)-1].ID, nil
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
