package run

import "errors"

// Sentinel errors for run execution.
var (
	// ErrValidation marks bad input, surfaced immediately with nothing
	// persisted.
	ErrValidation = errors.New("invalid turn request")

	// ErrDuplicateKey is returned by a registry when the idempotency key
	// was concurrently registered. Callers resolve it by re-reading, not
	// by failing.
	ErrDuplicateKey = errors.New("idempotency key already registered")

	// ErrKeyNotFound is returned by a registry lookup miss.
	ErrKeyNotFound = errors.New("idempotency key not found")
)

// DraftStepError wraps a draft-step failure. The user message is persisted
// by the time it occurs, no assistant message exists, and replay is
// impossible (no completed result was registered).
type DraftStepError struct {
	err error
}

func (e *DraftStepError) Error() string {
	return "draft step failed: " + e.err.Error()
}

func (e *DraftStepError) Unwrap() error {
	return e.err
}

// NewDraftStepError wraps an error as a draft-step failure.
func NewDraftStepError(err error) error {
	return &DraftStepError{err: err}
}

// IsDraftStepError reports whether err is a draft-step failure.
func IsDraftStepError(err error) bool {
	var dse *DraftStepError
	return errors.As(err, &dse)
}
