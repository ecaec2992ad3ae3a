//go:build integration

package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
)

func TestStore_AppendAndList(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("Failed to get JetStream: %v", err)
	}
	store, err := NewStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	first := NewMessage("conv-append", RoleUser, "hello")
	second := NewMessage("conv-append", RoleAssistant, "hi there")
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := store.Append(ctx, second); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	messages, err := store.List(ctx, "conv-append")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(messages))
	}
	if messages[0].ID != first.ID || messages[1].ID != second.ID {
		t.Errorf("messages out of order: got %s, %s", messages[0].ID, messages[1].ID)
	}

	lastID, err := store.LastMessageID(ctx, "conv-append")
	if err != nil {
		t.Fatalf("LastMessageID() failed: %v", err)
	}
	if lastID != second.ID {
		t.Errorf("LastMessageID = %q, want %q", lastID, second.ID)
	}
}

func TestStore_ListEmptyConversation(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("Failed to get JetStream: %v", err)
	}
	store, err := NewStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	messages, err := store.List(ctx, "conv-empty")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("len(messages) = %d, want 0", len(messages))
	}

	lastID, err := store.LastMessageID(ctx, "conv-empty")
	if err != nil {
		t.Fatalf("LastMessageID() failed: %v", err)
	}
	if lastID != "" {
		t.Errorf("LastMessageID = %q, want empty", lastID)
	}
}

func TestStore_ConcurrentAppendsRetainAll(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("Failed to get JetStream: %v", err)
	}
	store, err := NewStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := NewMessage("conv-race", RoleUser, fmt.Sprintf("message %d", i))
			errs[i] = store.Append(ctx, msg)
		}(i)
	}
	wg.Wait()

	written := 0
	for i, err := range errs {
		if err == nil {
			written++
		} else if err != ErrConflict {
			t.Errorf("writer %d: unexpected error: %v", i, err)
		}
	}

	messages, err := store.List(ctx, "conv-race")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(messages) != written {
		t.Errorf("len(messages) = %d, want %d", len(messages), written)
	}
}
