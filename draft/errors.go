package draft

import "errors"

// The draft endpoint is fallible and slow. Every failure is classified as
// either transient (worth retrying with backoff) or fatal (retrying would
// repeat the same rejection); the retry loop in HTTPDrafter keys off this.

// TransientError marks a failure that may clear on retry: network faults,
// rate limiting, upstream 5xx.
type TransientError struct {
	cause error
}

// NewTransientError classifies err as retryable.
func NewTransientError(err error) error {
	return &TransientError{cause: err}
}

func (e *TransientError) Error() string { return "transient: " + e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// FatalError marks a failure that retrying cannot fix: bad credentials,
// malformed requests, unusable responses.
type FatalError struct {
	cause error
}

// NewFatalError classifies err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{cause: err}
}

func (e *FatalError) Error() string { return "fatal: " + e.cause.Error() }
func (e *FatalError) Unwrap() error { return e.cause }

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is classified fatal.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
