package transport

import "errors"

// Sentinel errors reported by transports.
var (
	// ErrBlocked indicates the stream could not accept data in time and was
	// reset by the transport.
	ErrBlocked = errors.New("stream blocked")

	// ErrClosedByPeer indicates the peer stopped reading the stream.
	ErrClosedByPeer = errors.New("stream closed by peer")

	// ErrTransportClosed indicates the transport was shut down.
	ErrTransportClosed = errors.New("transport closed")
)
