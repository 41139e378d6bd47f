package transport

import (
	"context"
	"time"
)

// SendStream is the sending half of a unidirectional QUIC stream.
type SendStream interface {
	// StreamID returns the QUIC stream id.
	StreamID() uint64

	// Write writes p to the stream. It returns ErrClosedByPeer or
	// ErrBlocked (possibly wrapped) when the stream can no longer be used.
	Write(p []byte) (int, error)

	// Close finishes the stream with a FIN.
	Close() error
}

// Transport defines the QUIC primitives used to send RTP-over-QUIC units.
// This abstraction allows the framing layer to run over quic-go or over an
// in-memory loopback interchangeably.
type Transport interface {
	// OpenUniStream opens a new unidirectional stream.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// SendDatagram sends payload as a single QUIC datagram.
	SendDatagram(payload []byte) error
}

// Chunk is a contiguous piece of data received on a stream.
type Chunk struct {
	// StreamID identifies the stream within the connection.
	StreamID uint64
	// Offset is the stream offset of Data[0].
	Offset uint64
	// Data holds the received bytes. It may be empty on a final chunk.
	Data []byte
	// Final is set when the peer finished the stream with a FIN.
	Final bool
	// Timestamp is the arrival time relative to the start of the receiver.
	Timestamp time.Duration
}

// Receiver consumes what a transport receives.
type Receiver interface {
	// HandleChunk processes one stream chunk. An error means the stream is
	// refused and the transport should stop reading it.
	HandleChunk(chunk Chunk) error

	// HandleDatagram processes one received datagram.
	HandleDatagram(payload []byte, timestamp time.Duration) error

	// ResetStream tells the receiver the peer abandoned the stream.
	ResetStream(streamID uint64)
}
