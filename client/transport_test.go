package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/flowdraft/protocol"
	"github.com/c360studio/flowdraft/run"
)

func TestHTTPTransportStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var req run.TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		require.NoError(t, protocol.WriteFrame(w, flusher, protocol.NewStatus(req.RunID, 1, "drafting", "working")))
		require.NoError(t, protocol.WriteFrame(w, flusher, &protocol.Event{
			Type: protocol.EventResult, RunID: req.RunID, Seq: 2,
			Result: &protocol.ResultPayload{MessageID: "m-1", StepCount: 1},
		}))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL)
	var events []*protocol.Event
	err := transport.Stream(context.Background(), run.TurnRequest{
		ConversationID: "conv-1",
		RunID:          "run-test",
		Content:        "hello",
	}, func(ev *protocol.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventStatus, events[0].Type)
	assert.Equal(t, protocol.EventResult, events[1].Type)
	assert.Equal(t, "run-test", events[1].RunID)
}

func TestHTTPTransportStreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL)
	err := transport.Stream(context.Background(), run.TurnRequest{ConversationID: "conv-1"}, func(*protocol.Event) {})
	assert.True(t, IsAuthError(err))
}

func TestHTTPTransportStreamConnectionRefused(t *testing.T) {
	transport := NewHTTPTransport("http://127.0.0.1:1")
	err := transport.Stream(context.Background(), run.TurnRequest{ConversationID: "conv-1"}, func(*protocol.Event) {})

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.FirstByte)
}

func TestHTTPTransportStreamIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Never send another byte; the idle timer should abort.
		<-r.Context().Done()
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, WithIdleTimeout(50*time.Millisecond))
	start := time.Now()
	err := transport.Stream(context.Background(), run.TurnRequest{ConversationID: "conv-1"}, func(*protocol.Event) {})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	var se *StreamError
	require.ErrorAs(t, err, &se)
}

func TestHTTPTransportSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run.Result{OK: true, RunID: "run-1", MessageID: "m-1"})
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, WithBearerToken("tok"))
	result, err := transport.Submit(context.Background(), run.TurnRequest{ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "m-1", result.MessageID)
}

func TestHTTPTransportSubmitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL)
	_, err := transport.Submit(context.Background(), run.TurnRequest{ConversationID: "conv-1", Content: "hi"})
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.False(t, errors.Is(err, context.Canceled))
}
