package registry

import "errors"

var (
	// ErrNotFound is returned when no record exists for a unique id.
	ErrNotFound = errors.New("registry: record not found")

	// ErrStillPresent is returned when a record removal is refused
	// because the device could not be confirmed gone upstream.
	ErrStillPresent = errors.New("registry: device still present upstream")

	// ErrInvalidRecord is returned when a record is missing required
	// fields.
	ErrInvalidRecord = errors.New("registry: invalid record")
)
