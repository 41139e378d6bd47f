package roq

import (
	"errors"
	"fmt"

	"github.com/opd-ai/roq/boundary"
	"github.com/opd-ai/roq/demux"
	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/mux"
	"github.com/opd-ai/roq/route"
	"github.com/opd-ai/roq/rtpinfo"
)

// ErrInvalidOptions wraps every Options validation failure.
var ErrInvalidOptions = errors.New("invalid options")

// Options contains the RTP-over-QUIC configuration shared by both ends of a
// session.
type Options struct {
	// Boundary and PackingRatio select when send flows move to a new stream.
	Boundary     boundary.Mode
	PackingRatio uint
	// RTPFlowID is the RTP flow id. flowid.Auto allocates one on send and
	// learns the peer's on receive.
	RTPFlowID flowid.ID
	// RTCPFlowID overrides the RTCP flow id; flowid.Auto uses RTPFlowID+1.
	RTCPFlowID flowid.ID
	// UseDatagrams sends every packet as a QUIC datagram instead of on
	// streams.
	UseDatagrams bool
	// UseStreamTypeHeader prefixes every stream with StreamType.
	UseStreamTypeHeader bool
	StreamType          uint64
	// Codec selects key unit detection for PushRTP.
	Codec rtpinfo.Codec
	// BlockedPolicy and QueueDepth control what happens when QUIC cannot
	// take more data.
	BlockedPolicy mux.BlockedPolicy
	QueueDepth    int
}

// NewOptions returns the default options: one stream per flow, automatic
// flow ids, stream mode.
func NewOptions() *Options {
	return &Options{
		Boundary:      boundary.SingleStream,
		PackingRatio:  1,
		RTPFlowID:     flowid.Auto,
		RTCPFlowID:    flowid.Auto,
		Codec:         rtpinfo.CodecOpaque,
		BlockedPolicy: mux.BlockedReturn,
	}
}

// Validate checks the options for contradictions.
func (o *Options) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: options cannot be nil", ErrInvalidOptions)
	}
	if o.PackingRatio == 0 {
		return fmt.Errorf("%w: packing ratio must be at least 1", ErrInvalidOptions)
	}
	if o.RTPFlowID != flowid.Auto && o.RTPFlowID > flowid.MaxID {
		return fmt.Errorf("%w: rtp flow id %d: %w", ErrInvalidOptions, uint64(o.RTPFlowID), flowid.ErrOutOfRange)
	}
	if o.RTCPFlowID != flowid.Auto && o.RTCPFlowID > flowid.MaxID {
		return fmt.Errorf("%w: rtcp flow id %d: %w", ErrInvalidOptions, uint64(o.RTCPFlowID), flowid.ErrOutOfRange)
	}
	if err := o.MuxConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// MuxConfig returns the sending side configuration.
func (o *Options) MuxConfig() mux.Config {
	return mux.Config{
		Boundary:            boundary.Policy{Mode: o.Boundary, PackingRatio: o.PackingRatio},
		UseDatagrams:        o.UseDatagrams,
		UseStreamTypeHeader: o.UseStreamTypeHeader,
		StreamType:          o.StreamType,
		RTPFlowID:           o.RTPFlowID,
		RTCPFlowID:          o.RTCPFlowID,
		Codec:               o.Codec,
		BlockedPolicy:       o.BlockedPolicy,
		QueueDepth:          o.QueueDepth,
	}
}

// DemuxConfig returns the receiving side configuration.
func (o *Options) DemuxConfig() demux.Config {
	return demux.Config{
		UseStreamTypeHeader: o.UseStreamTypeHeader,
		StreamType:          o.StreamType,
	}
}

// RouteConfig returns the flow ids the receiving side expects.
func (o *Options) RouteConfig() route.Config {
	return route.Config{
		RTPFlowID:  o.RTPFlowID,
		RTCPFlowID: o.RTCPFlowID,
	}
}
