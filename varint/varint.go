// Package varint implements the QUIC variable-length integer encoding used by
// every RTP-over-QUIC header.
//
// A varint occupies 1, 2, 4 or 8 bytes. The two most significant bits of the
// first byte select the length and the remaining bits carry the value in
// network byte order, so the largest representable value is 2^62-1.
//
// The package is a thin layer over quic-go's quicvarint that converts its
// panics and io errors into the sentinel errors callers match with errors.Is.
package varint

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Max is the largest value a varint can carry (2^62-1).
const Max = quicvarint.Max

var (
	// ErrTruncatedVarint indicates the input ended before the number of bytes
	// announced by the length tag.
	ErrTruncatedVarint = errors.New("truncated varint")

	// ErrValueOutOfRange indicates a value above Max was given to the encoder.
	ErrValueOutOfRange = errors.New("varint value out of range")
)

// Len returns the number of bytes needed to encode v.
func Len(v uint64) (int, error) {
	if v > Max {
		return 0, fmt.Errorf("%w: %d", ErrValueOutOfRange, v)
	}
	return quicvarint.Len(v), nil
}

// Append appends the minimal encoding of v to b.
func Append(b []byte, v uint64) ([]byte, error) {
	if v > Max {
		return b, fmt.Errorf("%w: %d", ErrValueOutOfRange, v)
	}
	return quicvarint.Append(b, v), nil
}

// Encode returns the minimal encoding of v.
func Encode(v uint64) ([]byte, error) {
	n, err := Len(v)
	if err != nil {
		return nil, err
	}
	return Append(make([]byte, 0, n), v)
}

// Parse decodes the varint at the start of b and returns the value together
// with the number of bytes consumed. Non-minimal encodings are accepted.
func Parse(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncatedVarint
	}
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: have %d of %d bytes", ErrTruncatedVarint, len(b), EncodedLen(b[0]))
	}
	return v, n, nil
}

// EncodedLen reports how many bytes the varint starting with first occupies.
func EncodedLen(first byte) int {
	return 1 << (first >> 6)
}
