package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/header"
	"github.com/opd-ai/roq/limits"
	"github.com/opd-ai/roq/rtpinfo"
	"github.com/opd-ai/roq/transport"
	"github.com/sirupsen/logrus"
)

// rtcpStream is the stream of one RTCP input. RTCP never rotates; a stream
// lives until the peer stops it or the multiplexer closes.
type rtcpStream struct {
	mu     sync.Mutex
	input  int
	stream transport.SendStream
	offset uint64
}

func (r *rtcpStream) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return err
}

// PushRTCP sends one RTCP compound packet from the given RTCP input. Each
// input gets its own stream carrying the RTCP flow id. In datagram mode the
// packet is sent as a datagram instead.
func (m *Multiplexer) PushRTCP(ctx context.Context, input int, packet []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, err := rtpinfo.ParseRTCP(packet); err != nil {
		return err
	}

	rtcpID, ok := m.binding.RTCP()
	if !ok {
		return fmt.Errorf("no RTCP flow id bound")
	}

	if m.cfg.UseDatagrams {
		return m.sendDatagram(rtcpID, packet)
	}
	if err := limits.ValidateUnit(packet); err != nil {
		return err
	}

	r := m.rtcpFor(input)
	r.mu.Lock()
	defer r.mu.Unlock()

	err := m.writeRTCPLocked(ctx, r, rtcpID, packet)
	if errors.Is(err, transport.ErrClosedByPeer) {
		// RTCP packets stand alone, so a stopped stream is simply replaced.
		err = m.writeRTCPLocked(ctx, r, rtcpID, packet)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrClosedByPeer):
		m.stats.buffersDropped.Add(1)
		return nil
	case errors.Is(err, transport.ErrBlocked):
		m.stats.blockedWrites.Add(1)
		m.stats.buffersDropped.Add(1)
		return fmt.Errorf("rtcp input %d: %w", input, err)
	default:
		return err
	}
}

func (m *Multiplexer) rtcpFor(input int) *rtcpStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rtcp[input]
	if !ok {
		r = &rtcpStream{input: input}
		m.rtcp[input] = r
	}
	return r
}

func (m *Multiplexer) writeRTCPLocked(ctx context.Context, r *rtcpStream, id flowid.ID, packet []byte) error {
	if r.stream == nil {
		s, err := m.transport.OpenUniStream(ctx)
		if err != nil {
			return fmt.Errorf("failed to open RTCP stream: %w", err)
		}
		r.stream = s
		r.offset = 0
		m.stats.streamsOpened.Add(1)

		logrus.WithFields(logrus.Fields{
			"function":  "Multiplexer.PushRTCP",
			"input":     r.input,
			"stream_id": s.StreamID(),
		}).Debug("Opened RTCP stream")
	}

	var (
		out []byte
		err error
	)
	if r.offset == 0 {
		out, err = header.AppendStreamHeader(nil, header.StreamHeader{
			HasStreamType: m.cfg.UseStreamTypeHeader,
			StreamType:    m.cfg.StreamType,
			FlowID:        id,
			Length:        uint64(len(packet)),
		})
	} else {
		out, err = header.AppendUnitHeader(nil, uint64(len(packet)))
	}
	if err != nil {
		return err
	}
	out = append(out, packet...)

	n, err := r.stream.Write(out)
	if err != nil {
		if errors.Is(err, transport.ErrClosedByPeer) || errors.Is(err, transport.ErrBlocked) {
			r.stream = nil
			r.offset = 0
		}
		return err
	}
	r.offset += uint64(n)
	m.stats.streamUnitsSent.Add(1)
	return nil
}
