package agents

import "errors"

var (
	// ErrValidation rejects a request before anything is written.
	ErrValidation       = errors.New("validation error")
	ErrAlreadyDestroyed = errors.New("agent already destroyed")
)
