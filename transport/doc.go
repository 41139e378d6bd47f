// Package transport defines the boundary between the RTP-over-QUIC framing
// layer and the QUIC engine underneath it.
//
// # Architecture
//
// The framing layer never talks to a QUIC implementation directly. On the
// send side it consumes the Transport interface:
//
//	type Transport interface {
//	    OpenUniStream(ctx context.Context) (SendStream, error)
//	    SendDatagram(payload []byte) error
//	}
//
// On the receive side the QUIC engine pushes stream chunks and datagrams into
// a Receiver, which the demultiplexer implements:
//
//	type Receiver interface {
//	    HandleChunk(chunk Chunk) error
//	    HandleDatagram(payload []byte, timestamp time.Duration) error
//	    ResetStream(streamID uint64)
//	}
//
// Chunks of one stream are delivered in order by a single goroutine. Chunks
// of different streams may be delivered concurrently.
//
// # Errors
//
// SendStream.Write reports two conditions the framing layer reacts to:
//
//   - ErrClosedByPeer: the receiver sent STOP_SENDING. The stream is gone and
//     the flow cancels the frame in progress.
//   - ErrBlocked: the stream could not take the data in time and was reset
//     locally. What happens next is the multiplexer's blocked policy.
//
// # Loopback
//
// Loopback connects a Transport directly to a Receiver in memory. It records
// everything written, and can simulate STOP_SENDING and backpressure on
// individual streams, which makes it the workhorse of the package tests
// upstream.
package transport
