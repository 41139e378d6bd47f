package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxUnitPayload is the largest payload a single stream unit may carry.
	MaxUnitPayload = 16 * 1024 * 1024

	// MaxDatagramPayload is the largest payload carried in one datagram unit.
	// 65535 (UDP) - 8 (UDP header) = 65527; QUIC overhead reduces the practical
	// value further and the transport reports that itself.
	MaxDatagramPayload = 65527
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds the maximum size
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidatePayloadSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePayloadSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), maxSize)
	}
	return nil
}

// ValidateUnit validates a stream unit payload against MaxUnitPayload.
func ValidateUnit(payload []byte) error {
	return ValidatePayloadSize(payload, MaxUnitPayload)
}

// ValidateDatagram validates a datagram payload against MaxDatagramPayload.
func ValidateDatagram(payload []byte) error {
	return ValidatePayloadSize(payload, MaxDatagramPayload)
}

// ValidateDeclaredLength checks a length prefix read off a stream before the
// payload itself has arrived. Zero is allowed: a unit may legitimately be
// empty on the wire.
func ValidateDeclaredLength(length uint64) error {
	if length > MaxUnitPayload {
		return fmt.Errorf("%w: declared length %d exceeds limit %d", ErrPayloadTooLarge, length, MaxUnitPayload)
	}
	return nil
}
