package etm

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when the API judges a scenario request unprocessable (HTTP 422)
	ErrRejected = errors.New("scenario request rejected")

	// ErrThrottled is returned when the API is over capacity (HTTP 429)
	ErrThrottled = errors.New("scenario api throttled")

	// ErrUnavailable is returned for any other non-success status
	ErrUnavailable = errors.New("scenario api unavailable")

	// ErrConnectionFailed is returned when the API could not be reached
	ErrConnectionFailed = errors.New("scenario api connection failed")

	// ErrTimedOut is returned when a scenario creation exceeds its timeout
	ErrTimedOut = errors.New("scenario creation timed out")
)

// StatusError describes a non-success HTTP response
type StatusError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.kind, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// IsRetryable reports whether err leaves the job eligible for redelivery
// without stopping the worker
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}
