package entry

import "errors"

// Domain errors for the entry package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, entry.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("entry: not found")

	// ErrAlreadyConfigured is returned when a (domain, unique_id) pair is
	// already claimed by another entry.
	ErrAlreadyConfigured = errors.New("entry: already configured")

	// ErrUnknownDomain is returned when no integration is registered for
	// the requested domain.
	ErrUnknownDomain = errors.New("entry: unknown domain")

	// ErrNotRecoverable is returned when an operation requires a
	// recoverable state (for example unloading a failed_unload entry).
	ErrNotRecoverable = errors.New("entry: state not recoverable")

	// ErrAlreadyLoaded is returned when setting up an entry that is
	// loaded or mid-transition.
	ErrAlreadyLoaded = errors.New("entry: already loaded or in progress")

	// ErrDisabled is returned when setting up a disabled entry.
	ErrDisabled = errors.New("entry: disabled")

	// ErrUniqueIDMismatch is returned when reauth or reconfigure resolves
	// a different account or device identity than the entry is bound to.
	ErrUniqueIDMismatch = errors.New("entry: unique id mismatch")

	// ErrInvalidState is returned when an operation is not allowed in the
	// entry's current state (for example unloading a not_loaded entry),
	// or when a persisted state value is unrecognised.
	ErrInvalidState = errors.New("entry: invalid state")
)
