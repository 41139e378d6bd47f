package quictransport

import (
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/roq/limits"
	"github.com/opd-ai/roq/route"
	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
)

// mapWriteError translates a quic-go stream write error into the transport
// sentinels.
func mapWriteError(err error) error {
	var streamErr *quic.StreamError
	switch {
	case errors.As(err, &streamErr) && streamErr.Remote:
		return fmt.Errorf("%w: %w", transport.ErrClosedByPeer, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", transport.ErrBlocked, err)
	case isConnectionClosed(err):
		return fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
	}
	return err
}

// mapDatagramError translates a quic-go SendDatagram error.
func mapDatagramError(err error) error {
	var tooLarge *quic.DatagramTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w: connection allows %d bytes", limits.ErrPayloadTooLarge, tooLarge.MaxDatagramPayloadSize)
	case isConnectionClosed(err):
		return fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
	}
	return err
}

func isConnectionClosed(err error) bool {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		resetErr     *quic.StatelessResetError
	)
	return errors.As(err, &appErr) ||
		errors.As(err, &transportErr) ||
		errors.As(err, &idleErr) ||
		errors.As(err, &resetErr)
}

// refusalCode picks the STOP_SENDING code for a stream the receiver refused.
func refusalCode(err error) quic.StreamErrorCode {
	if errors.Is(err, route.ErrUnknownFlowID) {
		return CodeUnknownFlowID
	}
	return CodePacketError
}
