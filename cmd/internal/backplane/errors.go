package backplane

import "errors"

var (
	// ErrRelayUnavailable is returned when a message for a remote node could
	// not be handed off within the dial deadline.
	ErrRelayUnavailable = errors.New("relay node unavailable")

	// ErrUserNotFound is returned by presence lookups for a user with no
	// presence record.
	ErrUserNotFound = errors.New("user not found")

	// ErrLinkNotFound is returned for an unknown or closed link token.
	ErrLinkNotFound = errors.New("link not found")

	// ErrConfig reports an invalid configuration value.
	ErrConfig = errors.New("invalid backplane config")
)
