package session

import "errors"

var (
	// ErrValidation is returned when a state transition is requested without
	// both a user ID and a client ID.
	ErrValidation = errors.New("user and client ID required")

	// ErrSessionNotFound is returned when a token matches no stored record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
