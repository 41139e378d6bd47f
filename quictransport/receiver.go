package quictransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// quicReceiveStream is the part of *quic.ReceiveStream the receiver uses.
type quicReceiveStream interface {
	StreamID() quic.StreamID
	Read(p []byte) (int, error)
	CancelRead(code quic.StreamErrorCode)
}

// receiveConn is the part of *quic.Conn the receiver uses.
type receiveConn interface {
	AcceptUniStream(ctx context.Context) (quicReceiveStream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

type connReceiver struct {
	conn *quic.Conn
}

func (c connReceiver) AcceptUniStream(ctx context.Context) (quicReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c connReceiver) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// Receiver reads the peer's unidirectional streams and datagrams and feeds
// them to a transport.Receiver. Each stream is read on its own goroutine,
// so chunks of one stream arrive in order while streams proceed in
// parallel.
type Receiver struct {
	conn     receiveConn
	receiver transport.Receiver
	opts     options
	clock    *transport.Clock
	wg       sync.WaitGroup
}

// NewReceiver creates a receiver for conn delivering into receiver.
func NewReceiver(conn *quic.Conn, receiver transport.Receiver, opts ...Option) *Receiver {
	return newReceiver(connReceiver{conn: conn}, receiver, opts...)
}

func newReceiver(conn receiveConn, receiver transport.Receiver, opts ...Option) *Receiver {
	o := buildOptions(opts)
	logrus.WithFields(logrus.Fields{
		"function":  "NewReceiver",
		"datagrams": o.datagrams,
		"read_size": o.readBufferSize,
	}).Info("Creating QUIC receiver")
	return &Receiver{
		conn:     conn,
		receiver: receiver,
		opts:     o,
		clock:    transport.NewClock(o.timeProvider),
	}
}

// Run accepts streams and datagrams until ctx is cancelled or the
// connection closes, then waits for every stream reader to finish. It
// returns nil when ctx was cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	if r.receiver == nil {
		return fmt.Errorf("receiver cannot be nil")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opts.datagrams {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.readDatagrams(runCtx)
		}()
	}

	err := r.acceptStreams(runCtx)
	cancel()
	r.wg.Wait()

	switch {
	case isConnectionClosed(err):
		return fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
	case ctx.Err() != nil:
		return nil
	}
	return err
}

func (r *Receiver) acceptStreams(ctx context.Context) error {
	for {
		s, err := r.conn.AcceptUniStream(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.acceptStreams",
				"error":    err.Error(),
			}).Debug("Stopped accepting streams")
			return err
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.readStream(ctx, s)
		}()
	}
}

// readStream turns the reads of one stream into chunks.
func (r *Receiver) readStream(ctx context.Context, s quicReceiveStream) {
	id := uint64(s.StreamID())
	stop := context.AfterFunc(ctx, func() {
		s.CancelRead(CodeNoError)
	})
	defer stop()

	buf := make([]byte, r.opts.readBufferSize)
	var offset uint64
	for {
		n, err := s.Read(buf)
		final := errors.Is(err, io.EOF)
		if err != nil && !final {
			logrus.WithFields(logrus.Fields{
				"function":  "Receiver.readStream",
				"stream_id": id,
				"error":     err.Error(),
			}).Debug("Stream reset")
			r.receiver.ResetStream(id)
			return
		}
		if n == 0 && !final {
			continue
		}

		chunk := transport.Chunk{
			StreamID:  id,
			Offset:    offset,
			Data:      append([]byte(nil), buf[:n]...),
			Final:     final,
			Timestamp: r.clock.Elapsed(),
		}
		offset += uint64(n)

		if err := r.receiver.HandleChunk(chunk); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Receiver.readStream",
				"stream_id": id,
				"error":     err.Error(),
			}).Info("Stream refused, stopping it")
			s.CancelRead(refusalCode(err))
			r.receiver.ResetStream(id)
			return
		}
		if final {
			return
		}
	}
}

func (r *Receiver) readDatagrams(ctx context.Context) {
	for {
		b, err := r.conn.ReceiveDatagram(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.readDatagrams",
				"error":    err.Error(),
			}).Debug("Stopped reading datagrams")
			return
		}
		if err := r.receiver.HandleDatagram(b, r.clock.Elapsed()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.readDatagrams",
				"error":    err.Error(),
			}).Debug("Datagram dropped")
		}
	}
}
