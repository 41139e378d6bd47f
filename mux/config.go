package mux

import (
	"errors"
	"fmt"

	"github.com/opd-ai/roq/boundary"
	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/rtpinfo"
)

// BlockedPolicy selects what happens to a buffer whose stream write reports
// transport.ErrBlocked.
type BlockedPolicy int

const (
	// BlockedReturn drops the stream, cancels the frame in progress and
	// returns the error to the caller.
	BlockedReturn BlockedPolicy = iota
	// BlockedQueue keeps the buffer in a bounded per-flow queue, dropping the
	// oldest entry when full, and retries it on a new stream on the next
	// Push or Flush.
	BlockedQueue
)

// String returns the configuration name of the policy.
func (p BlockedPolicy) String() string {
	if p == BlockedQueue {
		return "queue"
	}
	return "return"
}

// DefaultQueueDepth is the per-flow queue bound used with BlockedQueue when
// QueueDepth is left at zero.
const DefaultQueueDepth = 64

var (
	// ErrConflictingModes indicates datagrams and the stream type header were
	// both enabled.
	ErrConflictingModes = errors.New("datagram mode and stream type header are mutually exclusive")

	// ErrClosed indicates the multiplexer was closed.
	ErrClosed = errors.New("multiplexer closed")
)

// Config holds the multiplexer settings.
type Config struct {
	// Boundary selects when flows move to a new stream.
	Boundary boundary.Policy
	// UseDatagrams sends every buffer as one QUIC datagram.
	UseDatagrams bool
	// UseStreamTypeHeader prefixes each stream with StreamType.
	UseStreamTypeHeader bool
	StreamType          uint64
	// RTPFlowID is the flow id for RTP; flowid.Auto allocates one.
	RTPFlowID flowid.ID
	// RTCPFlowID overrides the RTCP flow id; flowid.Auto derives RTP+1.
	RTCPFlowID flowid.ID
	// Codec selects key unit detection for PushRTP.
	Codec rtpinfo.Codec
	// BlockedPolicy and QueueDepth control backpressure handling.
	BlockedPolicy BlockedPolicy
	QueueDepth    int
}

// DefaultConfig returns single-stream mode with automatic flow ids.
func DefaultConfig() Config {
	return Config{
		Boundary:   boundary.Policy{Mode: boundary.SingleStream, PackingRatio: 1},
		RTPFlowID:  flowid.Auto,
		RTCPFlowID: flowid.Auto,
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.UseDatagrams && c.UseStreamTypeHeader {
		return ErrConflictingModes
	}
	if err := c.Boundary.Validate(); err != nil {
		return err
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue depth cannot be negative: %d", c.QueueDepth)
	}
	return nil
}

func (c Config) queueDepth() int {
	if c.QueueDepth == 0 {
		return DefaultQueueDepth
	}
	return c.QueueDepth
}
