package roq

import (
	"context"
	"fmt"

	"github.com/opd-ai/roq/demux"
	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/mux"
	"github.com/opd-ai/roq/quictransport"
	"github.com/opd-ai/roq/route"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// Session is one RTP session over a QUIC connection: a multiplexer for what
// this end sends and a demultiplexer for what the peer sends.
type Session struct {
	Mux    *mux.Multiplexer
	Demux  *demux.Demultiplexer
	Routes *route.Table

	options  *Options
	receiver *quictransport.Receiver
}

// NewSession wires a multiplexer and a demultiplexer onto conn. registry
// holds the flow ids of every session of this process. Extra options tune
// the quic-go adapter.
func NewSession(conn *quic.Conn, registry *flowid.Registry, options *Options, qopts ...quictransport.Option) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewSession",
			"error":    err.Error(),
		}).Error("Invalid session options")
		return nil, err
	}

	m, err := mux.New(quictransport.NewSender(conn, qopts...), registry, options.MuxConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create multiplexer: %w", err)
	}

	table := route.NewTable(options.RouteConfig())
	d, err := demux.New(table, options.DemuxConfig())
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create demultiplexer: %w", err)
	}

	recvOpts := append(append([]quictransport.Option(nil), qopts...), quictransport.WithDatagrams(options.UseDatagrams))
	s := &Session{
		Mux:      m,
		Demux:    d,
		Routes:   table,
		options:  options,
		receiver: quictransport.NewReceiver(conn, d, recvOpts...),
	}

	rtpID, rtcpID := m.FlowIDs()
	logrus.WithFields(logrus.Fields{
		"function":     "NewSession",
		"boundary":     options.Boundary.String(),
		"datagrams":    options.UseDatagrams,
		"rtp_flow_id":  uint64(rtpID),
		"rtcp_flow_id": uint64(rtcpID),
	}).Info("Session created")
	return s, nil
}

// Options returns the session options.
func (s *Session) Options() *Options {
	return s.options
}

// Run receives the peer's streams and datagrams until ctx is cancelled or
// the connection closes.
func (s *Session) Run(ctx context.Context) error {
	return s.receiver.Run(ctx)
}

// Close finishes the open send streams and releases the session's flow
// ids. The connection itself stays open.
func (s *Session) Close() error {
	return s.Mux.Close()
}
