package demux

import "errors"

// Sentinel errors returned when a stream is refused.
var (
	// ErrStreamTypeMismatch indicates a stream whose stream type prefix does
	// not match the configured one.
	ErrStreamTypeMismatch = errors.New("stream type mismatch")

	// ErrOffsetGap indicates a chunk that does not continue where the
	// previous chunk of its stream ended.
	ErrOffsetGap = errors.New("stream offset gap")

	// ErrStreamRejected indicates data for a stream that was refused
	// earlier.
	ErrStreamRejected = errors.New("stream rejected")
)
