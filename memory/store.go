package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the KV bucket name for conversation memory.
const Bucket = "CONVERSATION_MEMORY"

// ErrNotFound is returned when no memory exists for a conversation.
var ErrNotFound = errors.New("conversation memory not found")

// Store persists conversation memory keyed by conversation ID. Memory is
// loaded once per run and persisted atomically at run completion; a failed
// save is non-fatal to the run.
type Store struct {
	bucket jetstream.KeyValue
}

// NewStore creates the store, ensuring the KV bucket exists.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "Copilot conversation memory (facts, stage, asked questions)",
		TTL:         90 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &Store{bucket: bucket}, nil
}

// Load retrieves memory for a conversation.
func (s *Store) Load(ctx context.Context, conversationID string) (*Memory, error) {
	entry, err := s.bucket.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}

	var m Memory
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("unmarshal memory: %w", err)
	}
	if m.Facts == nil {
		m.Facts = make(map[string]string)
	}
	return &m, nil
}

// Save persists memory. Last-write-wins: the run coordinator is the single
// writer per conversation, so optimistic locking buys nothing here.
func (s *Store) Save(ctx context.Context, m *Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	if _, err := s.bucket.Put(ctx, m.ConversationID, data); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}
