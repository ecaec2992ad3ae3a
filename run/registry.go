package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RegistryBucket is the KV bucket name for the idempotency registry.
const RegistryBucket = "RUN_IDEMPOTENCY"

// Registry maps idempotency keys to completed run records. Register must
// be atomic: concurrent registrations of the same key see exactly one
// winner and the losers get ErrDuplicateKey, which callers resolve by
// re-reading.
type Registry interface {
	Lookup(ctx context.Context, key string) (*Record, error)
	Register(ctx context.Context, rec *Record) error
}

// KVRegistry is the JetStream-backed registry. KV Create is the unique
// insert: it fails with ErrKeyExists when the key is already present,
// which is the entire at-most-once mechanism — no distributed locking.
type KVRegistry struct {
	bucket jetstream.KeyValue
}

// NewKVRegistry creates the registry, ensuring the KV bucket exists.
func NewKVRegistry(ctx context.Context, js jetstream.JetStream) (*KVRegistry, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      RegistryBucket,
		Description: "Idempotency key to completed run result mapping",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVRegistry{bucket: bucket}, nil
}

// Lookup returns the record for a key, or ErrKeyNotFound.
func (r *KVRegistry) Lookup(ctx context.Context, key string) (*Record, error) {
	entry, err := r.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

// Register inserts the record, returning ErrDuplicateKey if another run
// already registered this key.
func (r *KVRegistry) Register(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	if _, err := r.bucket.Create(ctx, rec.Key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create idempotency record: %w", err)
	}
	return nil
}
