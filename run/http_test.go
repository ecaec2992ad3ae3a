package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/flowdraft/draft"
	"github.com/c360studio/flowdraft/protocol"
)

func newTestHandler(t *testing.T, opts ...HandlerOption) (*Handler, *coordFixture) {
	t.Helper()
	f := newCoordFixture(t)
	return NewHandler(f.coord, opts...), f
}

func serveRequest(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Routes(mux)

	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHandleTurnBlocking(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns", TurnRequest{
		Content:        "build a weekly report",
		IdempotencyKey: "key-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var result Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.Equal(t, "conv-1", result.ConversationID)
	assert.NotEmpty(t, result.MessageID)
}

func TestHandleTurnValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns", TurnRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
	assert.Equal(t, "validation", errResp.Error)
}

func TestHandleTurnBadJSON(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/conversations/conv-1/turns", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleTurnDraftFailure(t *testing.T) {
	h, f := newTestHandler(t)
	f.drafter.fn = func(draft.Request) (*draft.Result, error) {
		return nil, errors.New("model unavailable")
	}

	rr := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns", TurnRequest{
		Content: "build a report",
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHandleTurnStream(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns/stream", TurnRequest{
		Content:        "build a weekly report",
		IdempotencyKey: "key-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	// The body is a well-formed SSE stream ending in a terminal result.
	reader := protocol.NewFrameReader(rr.Body)
	var events []*protocol.Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, protocol.EventResult, last.Type)
	assert.NotEmpty(t, last.Result.MessageID)

	runID := last.RunID
	for _, ev := range events {
		assert.Equal(t, runID, ev.RunID)
	}
}

func TestHandleTurnStreamReplay(t *testing.T) {
	h, _ := newTestHandler(t)

	first := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns/stream", TurnRequest{
		Content:        "build a report",
		IdempotencyKey: "key-1",
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns/stream", TurnRequest{
		Content:        "build a report",
		IdempotencyKey: "key-1",
	})
	require.Equal(t, http.StatusOK, second.Code)

	reader := protocol.NewFrameReader(second.Body)
	ev, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.EventResult, ev.Type)
	assert.True(t, ev.Result.Replayed)
}

func TestHandleMessages(t *testing.T) {
	h, _ := newTestHandler(t)

	serveRequest(h, http.MethodPost, "/conversations/conv-1/turns", TurnRequest{Content: "hello"})

	rr := serveRequest(h, http.MethodGet, "/conversations/conv-1/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		ConversationID string            `json:"conversation_id"`
		Messages       []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Len(t, resp.Messages, 2)
}

func TestHandleReadiness(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serveRequest(h, http.MethodGet, "/conversations/conv-1/readiness", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var signals map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &signals))
	assert.Contains(t, signals, "score")
}

func TestHandleHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serveRequest(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthRejections(t *testing.T) {
	deny := errors.New("missing token")
	h, _ := newTestHandler(t, WithAuth(func(r *http.Request) error {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			return nil
		case "Bearer banned":
			return ErrForbidden
		default:
			return deny
		}
	}))
	mux := http.NewServeMux()
	h.Routes(mux)

	send := func(token string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(TurnRequest{Content: "hello"})
		req := httptest.NewRequest(http.MethodPost, "/conversations/conv-1/turns", bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusForbidden, send("Bearer banned").Code)
	assert.Equal(t, http.StatusOK, send("Bearer good").Code)

	// Health stays open.
	healthReq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRR := httptest.NewRecorder()
	mux.ServeHTTP(healthRR, healthReq)
	assert.Equal(t, http.StatusOK, healthRR.Code)
}

func TestStreamPingsDuringSlowDraft(t *testing.T) {
	h, f := newTestHandler(t, WithStreamConfig(StreamConfig{
		PingInterval: 10 * time.Millisecond,
		MaxDuration:  5 * time.Second,
	}))
	f.drafter.fn = func(req draft.Request) (*draft.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return (&fakeDrafter{}).Draft(context.Background(), req)
	}

	rr := serveRequest(h, http.MethodPost, "/conversations/conv-1/turns/stream", TurnRequest{
		Content: "slow one",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	reader := protocol.NewFrameReader(rr.Body)
	pings := 0
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, protocol.ErrFrameSkipped) {
			continue
		}
		require.NoError(t, err)
		if ev.Type == protocol.EventPing {
			pings++
		}
	}
	assert.Greater(t, pings, 0)
}
