package run

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/flowdraft/protocol"
)

// maxRequestBodySize caps turn request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// AuthFunc authorizes a request. A non-nil error produces a 401/403
// depending on ErrForbidden; nil means the request proceeds.
type AuthFunc func(r *http.Request) error

// ErrForbidden distinguishes an authenticated-but-denied request (403)
// from a missing/bad credential (401).
var ErrForbidden = errors.New("forbidden")

// StreamConfig tunes the SSE endpoint.
type StreamConfig struct {
	// PingInterval is how often keep-alive ping events are emitted while
	// a run is in flight.
	PingInterval time.Duration

	// MaxDuration bounds the total lifetime of one streamed run.
	MaxDuration time.Duration
}

// DefaultStreamConfig returns the standard stream tuning.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval: 15 * time.Second,
		MaxDuration:  4 * time.Minute,
	}
}

// Handler is the HTTP surface over the run coordinator.
type Handler struct {
	coordinator *Coordinator
	stream      StreamConfig
	auth        AuthFunc
	metrics     *Metrics
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuth installs request authorization on all routes except health.
func WithAuth(auth AuthFunc) HandlerOption {
	return func(h *Handler) { h.auth = auth }
}

// WithStreamConfig overrides the stream tuning.
func WithStreamConfig(cfg StreamConfig) HandlerOption {
	return func(h *Handler) { h.stream = cfg }
}

// WithHandlerMetrics sets the handler metrics.
func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates the HTTP handler.
func NewHandler(coordinator *Coordinator, opts ...HandlerOption) *Handler {
	h := &Handler{
		coordinator: coordinator,
		stream:      DefaultStreamConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// Routes registers the handler's routes on a mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /conversations/{id}/turns", h.authorized(h.handleTurn))
	mux.HandleFunc("POST /conversations/{id}/turns/stream", h.authorized(h.handleTurnStream))
	mux.HandleFunc("GET /conversations/{id}/messages", h.authorized(h.handleMessages))
	mux.HandleFunc("GET /conversations/{id}/readiness", h.authorized(h.handleReadiness))
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth != nil {
			if err := h.auth(r); err != nil {
				status := http.StatusUnauthorized
				code := "unauthorized"
				if errors.Is(err, ErrForbidden) {
					status = http.StatusForbidden
					code = "forbidden"
				}
				writeJSONError(w, status, code, err.Error())
				return
			}
		}
		next(w, r)
	}
}

// handleTurn executes a turn and blocks until the result is available.
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}

	result, err := h.coordinator.Execute(r.Context(), req, NopSink{})
	if err != nil {
		h.writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTurnStream executes a turn while streaming its events as SSE.
// Pings are interleaved at the configured interval so proxies and idle
// detectors see a live connection during the slow draft step.
func (h *Handler) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}
	if req.RunID == "" {
		// Assign before execution so pings carry the run id.
		req.RunID = NewRunID()
	}

	flusher, flushable := w.(http.Flusher)
	if !flushable {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	flusher.Flush()

	h.metrics.StreamClients.Inc()
	defer h.metrics.StreamClients.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), h.stream.MaxDuration)
	defer cancel()

	sink := &sseSink{w: w, flusher: flusher}

	// Keep-alive pings share the writer with run events; the sink
	// serializes them.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(h.stream.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ping := protocol.NewPing(req.RunID)
				if err := sink.Send(ping); err != nil {
					return
				}
			}
		}
	}()

	_, err := h.coordinator.Execute(ctx, req, sink)
	cancel()
	<-pingDone

	if err != nil && errors.Is(err, ErrValidation) {
		// Validation failures happen before any event is emitted; the
		// stream carries the error frame so the client is not left
		// hanging on an empty body.
		ev := &protocol.Event{
			Type: protocol.EventError, RunID: req.RunID, Seq: 1,
			Error: &protocol.ErrorPayload{Code: "validation", Message: err.Error()},
		}
		_ = sink.Send(ev)
	}
}

// handleMessages returns the conversation's message history.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	messages, err := h.coordinator.Messages(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("Failed to list messages", "conversation_id", conversationID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "storage_unavailable", "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// handleReadiness returns the proceed-affordance signals for a
// conversation.
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	signals, err := h.coordinator.Readiness(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("Failed to compute readiness", "conversation_id", conversationID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "storage_unavailable", "failed to compute readiness")
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeTurn parses and validates the request body, writing the error
// response itself on failure.
func (h *Handler) decodeTurn(w http.ResponseWriter, r *http.Request) (TurnRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "parse_error", "Failed to parse request body: "+err.Error())
		return TurnRequest{}, false
	}
	req.ConversationID = r.PathValue("id")
	if req.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "content is required")
		return TurnRequest{}, false
	}
	return req, true
}

func (h *Handler) writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
	case IsDraftStepError(err):
		writeJSONError(w, http.StatusBadGateway, "draft_failed", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// sseSink writes run events as SSE frames. Safe for concurrent use by the
// run goroutine and the ping ticker.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// Send implements Sink.
func (s *sseSink) Send(ev *protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.WriteFrame(s.w, s.flusher, ev)
}

// ErrorResponse is the JSON error body shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
