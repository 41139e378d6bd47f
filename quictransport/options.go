// Package quictransport runs RTP-over-QUIC on quic-go connections.
//
// Sender adapts a *quic.Conn to transport.Transport for the multiplexer.
// Receiver accepts the peer's unidirectional streams and datagrams and feeds
// them to a transport.Receiver such as the demultiplexer.
//
//	sender := quictransport.NewSender(conn, quictransport.WithWriteTimeout(50*time.Millisecond))
//	m, err := mux.New(sender, registry, cfg)
//
//	receiver := quictransport.NewReceiver(conn, d, quictransport.WithDatagrams(true))
//	go receiver.Run(ctx)
package quictransport

import (
	"time"

	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
)

// Stream and connection error codes, as registered for RTP over QUIC.
const (
	CodeNoError          quic.StreamErrorCode = 0x00
	CodeGeneralError     quic.StreamErrorCode = 0x01
	CodeInternalError    quic.StreamErrorCode = 0x02
	CodePacketError      quic.StreamErrorCode = 0x03
	CodeStreamCreation   quic.StreamErrorCode = 0x04
	CodeFrameCancelled   quic.StreamErrorCode = 0x05
	CodeUnknownFlowID    quic.StreamErrorCode = 0x06
	CodeExpectationUnmet quic.StreamErrorCode = 0x07
)

// DefaultReadBufferSize is the size of the buffer each receive stream reads
// into.
const DefaultReadBufferSize = 16 * 1024

type options struct {
	writeTimeout   time.Duration
	timeProvider   transport.TimeProvider
	readBufferSize int
	datagrams      bool
}

func defaultOptions() options {
	return options{
		timeProvider:   transport.RealTimeProvider{},
		readBufferSize: DefaultReadBufferSize,
	}
}

// Option configures a Sender or Receiver.
type Option func(*options)

// WithWriteTimeout bounds every stream write. A write that cannot complete in
// time resets the stream and reports transport.ErrBlocked. Zero, the
// default, lets writes block.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithTimeProvider sets the clock used for write deadlines and arrival
// timestamps.
func WithTimeProvider(tp transport.TimeProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.timeProvider = tp
		}
	}
}

// WithReadBufferSize sets the per-stream read buffer size.
func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

// WithDatagrams makes the Receiver read QUIC datagrams as well. The
// connection must have been established with datagrams enabled.
func WithDatagrams(enabled bool) Option {
	return func(o *options) {
		o.datagrams = enabled
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
