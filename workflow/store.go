package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DocumentsBucket is the KV bucket name for workflow documents.
const DocumentsBucket = "WORKFLOW_DOCUMENTS"

// ErrNotFound is returned when no document exists for a conversation.
var ErrNotFound = errors.New("workflow document not found")

// ErrRevisionConflict is returned when a save loses an optimistic
// concurrency race.
var ErrRevisionConflict = errors.New("workflow document revision conflict")

// Store persists workflow documents keyed by conversation ID.
type Store struct {
	bucket jetstream.KeyValue
}

// NewStore creates the store, ensuring the KV bucket exists.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      DocumentsBucket,
		Description: "Drafted workflow documents per conversation",
		History:     5,
		TTL:         90 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &Store{bucket: bucket}, nil
}

// Load retrieves the document for a conversation along with its revision.
func (s *Store) Load(ctx context.Context, conversationID string) (Snapshot, error) {
	entry, err := s.bucket.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal document: %w", err)
	}

	return Snapshot{Document: &doc, Revision: entry.Revision()}, nil
}

// Save writes the document, enforcing optimistic concurrency against the
// revision the caller loaded. expectedRevision 0 means the document is new.
// Returns the new revision.
func (s *Store) Save(ctx context.Context, conversationID string, doc *Document, expectedRevision uint64) (uint64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}

	if expectedRevision == 0 {
		rev, err := s.bucket.Create(ctx, conversationID, data)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return 0, ErrRevisionConflict
			}
			return 0, fmt.Errorf("create document: %w", err)
		}
		return rev, nil
	}

	rev, err := s.bucket.Update(ctx, conversationID, data, expectedRevision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongSequence(err) {
			return 0, ErrRevisionConflict
		}
		return 0, fmt.Errorf("update document: %w", err)
	}
	return rev, nil
}

// isWrongSequence matches the JetStream optimistic locking failure.
func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
