package quictransport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// quicSendStream is the part of *quic.SendStream the sender uses.
type quicSendStream interface {
	StreamID() quic.StreamID
	Write(p []byte) (int, error)
	Close() error
	CancelWrite(code quic.StreamErrorCode)
	SetWriteDeadline(t time.Time) error
}

// sendConn is the part of *quic.Conn the sender uses.
type sendConn interface {
	OpenUniStreamSync(ctx context.Context) (quicSendStream, error)
	SendDatagram(p []byte) error
}

type connSender struct {
	conn *quic.Conn
}

func (c connSender) OpenUniStreamSync(ctx context.Context) (quicSendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c connSender) SendDatagram(p []byte) error {
	return c.conn.SendDatagram(p)
}

// Sender implements transport.Transport on a QUIC connection.
type Sender struct {
	conn sendConn
	opts options
}

var _ transport.Transport = (*Sender)(nil)

// NewSender creates a sender opening streams on conn.
func NewSender(conn *quic.Conn, opts ...Option) *Sender {
	return newSender(connSender{conn: conn}, opts...)
}

func newSender(conn sendConn, opts ...Option) *Sender {
	o := buildOptions(opts)
	logrus.WithFields(logrus.Fields{
		"function":      "NewSender",
		"write_timeout": o.writeTimeout.String(),
	}).Info("Creating QUIC sender")
	return &Sender{conn: conn, opts: o}
}

// OpenUniStream opens a unidirectional stream, waiting for stream credit
// from the peer if needed.
func (s *Sender) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	qs, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		if isConnectionClosed(err) {
			return nil, fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("failed to open unidirectional stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Sender.OpenUniStream",
		"stream_id": int64(qs.StreamID()),
	}).Debug("Opened QUIC stream")
	return &sendStream{stream: qs, opts: s.opts}, nil
}

// SendDatagram sends payload as one QUIC datagram.
func (s *Sender) SendDatagram(payload []byte) error {
	if err := s.conn.SendDatagram(payload); err != nil {
		return mapDatagramError(err)
	}
	return nil
}

// sendStream adapts a quic-go send stream to transport.SendStream.
type sendStream struct {
	stream quicSendStream
	opts   options
}

func (s *sendStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Write writes p. When a write timeout is configured and expires, the stream
// is reset with CodeFrameCancelled and ErrBlocked is returned.
func (s *sendStream) Write(p []byte) (int, error) {
	if s.opts.writeTimeout > 0 {
		deadline := s.opts.timeProvider.Now().Add(s.opts.writeTimeout)
		if err := s.stream.SetWriteDeadline(deadline); err != nil {
			return 0, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := s.stream.Write(p)
	if err == nil {
		return n, nil
	}

	mapped := mapWriteError(err)
	if errors.Is(mapped, transport.ErrBlocked) {
		s.stream.CancelWrite(CodeFrameCancelled)
		logrus.WithFields(logrus.Fields{
			"function":  "sendStream.Write",
			"stream_id": int64(s.stream.StreamID()),
			"written":   n,
		}).Warn("Write timed out, stream reset")
	}
	return n, mapped
}

// Close finishes the stream with a FIN.
func (s *sendStream) Close() error {
	return s.stream.Close()
}
