package shared

import "errors"

var (
	// ErrUnauthorized means the caller is not the party the operation requires
	// (profile owner, requester, recipient, or the bound minter).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound covers unknown profiles, request ids, and token ids.
	ErrNotFound = errors.New("not found")

	// ErrState means the target exists but is in the wrong lifecycle state,
	// including an unelapsed lock window.
	ErrState = errors.New("invalid state")

	// ErrValue means a supplied value fails validation, e.g. a payment that
	// does not match the quoted price.
	ErrValue = errors.New("invalid value")
)
