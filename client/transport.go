package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/c360studio/flowdraft/protocol"
	"github.com/c360studio/flowdraft/run"
)

// AuthError is an authorization rejection (401/403). Terminal: no
// fallback, no retry.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization rejected (HTTP %d)", e.StatusCode)
}

// IsAuthError reports whether err is an authorization rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// StreamError is a stream attempt failure. FirstByte records whether any
// data arrived before the failure; the controller uses it to decide
// whether falling back is safe.
type StreamError struct {
	Err       error
	FirstByte bool
}

func (e *StreamError) Error() string {
	return "stream failed: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Transport executes turns against the server. Stream delivers decoded
// events through onEvent until the stream ends or the context is
// canceled; Submit is the single blocking call used for fallback.
type Transport interface {
	Stream(ctx context.Context, req run.TurnRequest, onEvent func(*protocol.Event)) error
	Submit(ctx context.Context, req run.TurnRequest) (*run.Result, error)
}

// HTTPTransport talks to the copilot server over HTTP/SSE.
type HTTPTransport struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
	idleTimeout time.Duration
	maxDuration time.Duration
	logger      *slog.Logger
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.httpClient = c }
}

// WithBearerToken sends an Authorization header on every request.
func WithBearerToken(token string) TransportOption {
	return func(t *HTTPTransport) { t.bearerToken = token }
}

// WithIdleTimeout sets the idle timer: the stream aborts when no chunk
// arrives within this window. Pings reset it.
func WithIdleTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.idleTimeout = d }
}

// WithMaxDuration sets the absolute cap on one stream attempt.
func WithMaxDuration(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.maxDuration = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *HTTPTransport) { t.logger = logger }
}

// NewHTTPTransport creates a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		idleTimeout: 45 * time.Second,
		maxDuration: 4 * time.Minute,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stream opens the SSE endpoint and pumps decoded events into onEvent.
// Returns nil on clean stream end, *AuthError on 401/403, and
// *StreamError otherwise.
func (t *HTTPTransport) Stream(ctx context.Context, req run.TurnRequest, onEvent func(*protocol.Event)) error {
	ctx, cancel := context.WithTimeout(ctx, t.maxDuration)
	defer cancel()

	url := fmt.Sprintf("%s/conversations/%s/turns/stream", t.baseURL, req.ConversationID)
	httpReq, err := t.newRequest(ctx, url, req)
	if err != nil {
		return &StreamError{Err: err}
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &StreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return &StreamError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	// The idle timer aborts a silent connection; every received chunk,
	// pings included, rewinds it.
	var firstByte atomic.Bool
	idle := time.AfterFunc(t.idleTimeout, cancel)
	defer idle.Stop()

	reader := protocol.NewFrameReader(resp.Body, protocol.WithChunkCallback(func() {
		firstByte.Store(true)
		idle.Reset(t.idleTimeout)
	}))

	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, protocol.ErrFrameSkipped) {
				t.logger.Debug("Skipping undecodable frame", "error", err)
				continue
			}
			return &StreamError{Err: err, FirstByte: firstByte.Load()}
		}
		onEvent(ev)
	}
}

// Submit executes the turn via the blocking endpoint.
func (t *HTTPTransport) Submit(ctx context.Context, req run.TurnRequest) (*run.Result, error) {
	url := fmt.Sprintf("%s/conversations/%s/turns", t.baseURL, req.ConversationID)
	httpReq, err := t.newRequest(ctx, url, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("turn failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result run.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, url string, req run.TurnRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
	return httpReq, nil
}
