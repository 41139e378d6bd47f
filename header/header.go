// Package header encodes and decodes RTP-over-QUIC unit headers.
//
// The first unit on a unidirectional stream carries the stream prefix and a
// length:
//
//	[stream type (optional)][flow id][payload length][payload]
//
// Every following unit on the same stream carries only the length:
//
//	[payload length][payload]
//
// A datagram carries the flow id and nothing else; its length is implicit:
//
//	[flow id][payload]
//
// All fields are QUIC varints.
package header

import (
	"errors"
	"fmt"

	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/varint"
)

// MaxStreamHeaderLen is the longest possible first-unit header.
const MaxStreamHeaderLen = 3 * 8

// ErrHeaderDecode indicates a unit header could not be decoded. It wraps the
// underlying varint error.
var ErrHeaderDecode = errors.New("header decode failed")

// StreamHeader is the header of the first unit on a stream.
type StreamHeader struct {
	HasStreamType bool
	StreamType    uint64
	FlowID        flowid.ID
	Length        uint64
}

// Len returns the encoded size of h.
func (h StreamHeader) Len() int {
	n := 0
	if h.HasStreamType {
		l, _ := varint.Len(h.StreamType)
		n += l
	}
	l, _ := varint.Len(uint64(h.FlowID))
	n += l
	l, _ = varint.Len(h.Length)
	return n + l
}

// AppendStreamHeader appends the first-unit header h to b.
func AppendStreamHeader(b []byte, h StreamHeader) ([]byte, error) {
	var err error
	if h.HasStreamType {
		if b, err = varint.Append(b, h.StreamType); err != nil {
			return b, fmt.Errorf("stream type: %w", err)
		}
	}
	if b, err = AppendDatagramHeader(b, h.FlowID); err != nil {
		return b, err
	}
	return AppendUnitHeader(b, h.Length)
}

// AppendUnitHeader appends the length-only header used after the first unit.
func AppendUnitHeader(b []byte, length uint64) ([]byte, error) {
	out, err := varint.Append(b, length)
	if err != nil {
		return b, fmt.Errorf("payload length: %w", err)
	}
	return out, nil
}

// AppendDatagramHeader appends the flow id header of a datagram unit.
func AppendDatagramHeader(b []byte, id flowid.ID) ([]byte, error) {
	out, err := varint.Append(b, uint64(id))
	if err != nil {
		return b, fmt.Errorf("flow id: %w", err)
	}
	return out, nil
}

// ParseStreamHeader decodes a first-unit header from the start of b.
// withType selects whether a stream type varint precedes the flow id.
func ParseStreamHeader(b []byte, withType bool) (StreamHeader, int, error) {
	var (
		h   StreamHeader
		off int
	)
	if withType {
		v, n, err := varint.Parse(b)
		if err != nil {
			return h, 0, fmt.Errorf("%w: stream type: %w", ErrHeaderDecode, err)
		}
		h.HasStreamType = true
		h.StreamType = v
		off += n
	}

	id, n, err := varint.Parse(b[off:])
	if err != nil {
		return h, 0, fmt.Errorf("%w: flow id: %w", ErrHeaderDecode, err)
	}
	h.FlowID = flowid.ID(id)
	off += n

	length, n, err := varint.Parse(b[off:])
	if err != nil {
		return h, 0, fmt.Errorf("%w: payload length: %w", ErrHeaderDecode, err)
	}
	h.Length = length
	return h, off + n, nil
}

// ParseUnitHeader decodes a length-only header from the start of b.
func ParseUnitHeader(b []byte) (uint64, int, error) {
	length, n, err := varint.Parse(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: payload length: %w", ErrHeaderDecode, err)
	}
	return length, n, nil
}

// ParseDatagramHeader decodes the flow id of a datagram and returns it with
// the header size. The payload is b[n:].
func ParseDatagramHeader(b []byte) (flowid.ID, int, error) {
	id, n, err := varint.Parse(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: flow id: %w", ErrHeaderDecode, err)
	}
	return flowid.ID(id), n, nil
}
