// Package route maps received RTP-over-QUIC units to the sinks that consume
// them.
//
// A unit is first classified as RTP or RTCP from its flow id, then routed by
// (kind, SSRC, payload type). Routes are created in one of three ways:
//
//   - Register binds a sink to a key up front.
//   - Request pre-declares a sink for whatever compatible route shows up
//     first.
//   - Otherwise the first unit of a new key creates an unbound route, and
//     the OnRoute callbacks are told so that a consumer can Bind it.
package route

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/roq/flowid"
)

// Kind tells RTP and RTCP apart.
type Kind int

const (
	KindRTP Kind = iota
	KindRTCP
)

// String returns "rtp" or "rtcp".
func (k Kind) String() string {
	if k == KindRTCP {
		return "rtcp"
	}
	return "rtp"
}

// Key identifies a route. RTCP routes are keyed by SSRC alone and always
// carry PayloadType 0, so that every RTCP packet type of a source shares one
// route.
type Key struct {
	Kind        Kind
	SSRC        uint32
	PayloadType uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Kind, k.SSRC, k.PayloadType)
}

// Frame is one reconstructed RTP or RTCP packet handed to a sink.
type Frame struct {
	Kind        Kind
	FlowID      flowid.ID
	SSRC        uint32
	PayloadType uint8
	Data        []byte
	// Timestamp is the arrival hint plus the route offset, never lower than
	// the previous frame's on the same route.
	Timestamp time.Duration
}

// Sink consumes frames. Deliver takes ownership of frame.Data.
type Sink interface {
	Deliver(frame Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame Frame) error

// Deliver calls f.
func (f SinkFunc) Deliver(frame Frame) error {
	return f(frame)
}

// Stats counts what went through a route.
type Stats struct {
	Delivered uint64
	Dropped   uint64
}

// Route is the binding of a Key to a Sink.
type Route struct {
	mu        sync.Mutex
	key       Key
	sink      Sink
	offset    time.Duration
	last      time.Duration
	hasLast   bool
	delivered uint64
	dropped   uint64
}

func newRoute(key Key, sink Sink) *Route {
	return &Route{key: key, sink: sink}
}

// Key returns the route key.
func (r *Route) Key() Key {
	return r.key
}

// Bind attaches sink to the route, replacing any previous sink.
func (r *Route) Bind(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Bound reports whether a sink is attached.
func (r *Route) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil
}

// Offset returns the timestamp offset applied to frames.
func (r *Route) Offset() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// AdjustOffset moves the timestamp offset by d. Consumers call it when they
// fall behind, so that subsequent frames are stamped later.
func (r *Route) AdjustOffset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset += d
}

// Stats returns the route counters.
func (r *Route) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Delivered: r.delivered, Dropped: r.dropped}
}

// Deliver stamps data and hands it to the sink. It returns ErrNoRoute when
// no sink is bound.
func (r *Route) Deliver(id flowid.ID, data []byte, arrival time.Duration) error {
	r.mu.Lock()
	sink := r.sink
	if sink == nil {
		r.dropped++
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoRoute, r.key)
	}
	ts := arrival + r.offset
	if r.hasLast && ts < r.last {
		ts = r.last
	}
	r.last, r.hasLast = ts, true
	r.delivered++
	r.mu.Unlock()

	return sink.Deliver(Frame{
		Kind:        r.key.Kind,
		FlowID:      id,
		SSRC:        r.key.SSRC,
		PayloadType: r.key.PayloadType,
		Data:        data,
		Timestamp:   ts,
	})
}
