package domain

import "errors"

var (
	// ErrInvalidMessage is returned when a queue message cannot be decoded into a usable job
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrIncompleteJob is returned when a job is persisted or forwarded without all stage fields set
	ErrIncompleteJob = errors.New("job is missing etm result fields")

	// ErrComputationTimeout is returned when the worker stops because a scenario calculation timed out
	ErrComputationTimeout = errors.New("scenario computation timed out")
)
