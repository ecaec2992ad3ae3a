package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/flowdraft/conversation"
	"github.com/c360studio/flowdraft/workflow"
)

// maxResponseSize limits the draft response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// RetryConfig holds retry configuration for draft requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for draft requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// HTTPDrafter calls a JSON-over-HTTP draft endpoint with retry on
// transient failures.
type HTTPDrafter struct {
	endpoint    string
	model       string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// HTTPOption configures an HTTPDrafter.
type HTTPOption func(*HTTPDrafter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDrafter) { d.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) HTTPOption {
	return func(d *HTTPDrafter) { d.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(d *HTTPDrafter) { d.logger = logger }
}

// NewHTTPDrafter creates a drafter against the given endpoint.
func NewHTTPDrafter(endpoint, model string, opts ...HTTPOption) *HTTPDrafter {
	d := &HTTPDrafter{
		endpoint:    endpoint,
		model:       model,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// wireRequest is the JSON body sent to the draft endpoint.
type wireRequest struct {
	Model          string                  `json:"model,omitempty"`
	ConversationID string                  `json:"conversation_id"`
	UserMessage    string                  `json:"user_message"`
	Document       *workflow.Document      `json:"document,omitempty"`
	History        []*conversation.Message `json:"history,omitempty"`
	Facts          map[string]string       `json:"facts,omitempty"`
}

// Draft implements Drafter, retrying transient failures with exponential
// backoff.
func (d *HTTPDrafter) Draft(ctx context.Context, req Request) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= d.retryConfig.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.calculateBackoff(attempt)
			d.logger.Debug("Retrying draft request",
				"attempt", attempt,
				"backoff", backoff,
				"conversation_id", req.ConversationID)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := d.doRequest(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("draft step failed after %d attempts: %w", d.retryConfig.MaxAttempts, lastErr)
}

// calculateBackoff returns the backoff for an attempt with +/- 25% jitter
// to prevent synchronized retries.
func (d *HTTPDrafter) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 2; i < attempt; i++ {
		multiplier *= d.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(d.retryConfig.BackoffBase) * multiplier)
	if backoff > d.retryConfig.MaxBackoff {
		backoff = d.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the draft endpoint.
func (d *HTTPDrafter) doRequest(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(wireRequest{
		Model:          d.model,
		ConversationID: req.ConversationID,
		UserMessage:    req.UserMessage,
		Document:       req.Document,
		History:        req.History,
		Facts:          req.Facts,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal draft request: %w", err))
	}

	d.logger.Debug("Sending draft request",
		"endpoint", d.endpoint,
		"conversation_id", req.ConversationID,
		"history", len(req.History))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse draft response: %w", err))
	}
	if result.Document == nil {
		return nil, NewFatalError(fmt.Errorf("draft response missing document"))
	}
	if result.StepCount == 0 {
		result.StepCount = len(result.Document.Steps)
	}

	return &result, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("draft API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	default:
		// Remaining 4xx (and anything unknown) is fatal
		return NewFatalError(err)
	}
}
