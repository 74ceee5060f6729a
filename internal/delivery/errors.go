package delivery

import "errors"

// Validation errors returned by the time resolver. They are surfaced to
// the caller synchronously and never retried.
var (
	ErrInvalidTimezone    = errors.New("unknown timezone identifier")
	ErrPastTime           = errors.New("delivery time must be in the future")
	ErrNonexistentTime    = errors.New("local time does not exist in timezone")
	ErrInvalidLocalFormat = errors.New("invalid local time format")
)

// Queue errors.
var (
	// ErrConflict means a live queue item already exists for the
	// reminder; the caller must cancel it before scheduling again.
	ErrConflict = errors.New("live delivery already exists for reminder")

	// ErrNotFound means no live queue item exists for the given id.
	ErrNotFound = errors.New("delivery not found")

	// ErrClaimConflict means another worker holds the claim for this
	// item and attempt.
	ErrClaimConflict = errors.New("delivery already claimed")
)

// TransportError wraps a transport failure and records whether the
// delivery attempt may be retried.
type TransportError struct {
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether the error is retryable.
func (e *TransportError) IsRetryable() bool {
	return e.Retryable
}

// NewRetryableTransportError marks a transport failure as retryable.
func NewRetryableTransportError(err error) *TransportError {
	return &TransportError{Err: err, Retryable: true}
}

// NewPermanentTransportError marks a transport failure as permanent.
func NewPermanentTransportError(err error) *TransportError {
	return &TransportError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable. Unknown errors default
// to retryable so transient faults are not dropped.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
