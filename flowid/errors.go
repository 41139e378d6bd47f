package flowid

import "errors"

// Sentinel errors for flow-id allocation.
var (
	// ErrInUse indicates an explicitly requested flow id is already held.
	ErrInUse = errors.New("flow id in use")

	// ErrExhausted indicates automatic allocation could not find a free id
	// within the configured number of attempts.
	ErrExhausted = errors.New("flow id space exhausted")

	// ErrOutOfRange indicates a flow id above MaxID was requested.
	ErrOutOfRange = errors.New("flow id out of range")
)
