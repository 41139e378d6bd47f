package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/deque"
	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/rtpinfo"
	"github.com/sirupsen/logrus"
)

// Config holds the flow ids a Table expects.
type Config struct {
	// RTPFlowID is the expected RTP flow id. flowid.Auto learns it from the
	// first unit.
	RTPFlowID flowid.ID
	// RTCPFlowID is the expected RTCP flow id. flowid.Auto derives it as
	// RTPFlowID+1.
	RTCPFlowID flowid.ID
}

// DefaultConfig learns the RTP flow id and derives the RTCP one.
func DefaultConfig() Config {
	return Config{RTPFlowID: flowid.Auto, RTCPFlowID: flowid.Auto}
}

// Request is a pre-declared sink waiting for the first compatible route.
type Request struct {
	Kind Kind
	// PayloadType, when set, restricts the request to one RTP payload type.
	PayloadType *uint8
	// SSRC, when set, restricts the request to one source.
	SSRC *uint32
	Sink Sink
}

func (q *Request) matches(key Key) bool {
	if q.Kind != key.Kind {
		return false
	}
	if q.PayloadType != nil && *q.PayloadType != key.PayloadType {
		return false
	}
	if q.SSRC != nil && *q.SSRC != key.SSRC {
		return false
	}
	return true
}

// Table classifies and routes received units. It is safe for concurrent
// use; sinks and callbacks are never called with the table lock held.
type Table struct {
	mu       sync.Mutex
	rtp      flowid.ID
	rtcp     flowid.ID
	claimed  flowid.ID
	routes   map[Key]*Route
	pending  deque.Deque[*Request]
	onRoute  []func(*Route)
	unrouted uint64
}

// NewTable creates an empty route table.
func NewTable(cfg Config) *Table {
	logrus.WithFields(logrus.Fields{
		"function":     "NewTable",
		"rtp_flow_id":  cfg.RTPFlowID.String(),
		"rtcp_flow_id": cfg.RTCPFlowID.String(),
	}).Info("Creating route table")

	return &Table{
		rtp:     cfg.RTPFlowID,
		rtcp:    cfg.RTCPFlowID,
		claimed: flowid.Auto,
		routes:  make(map[Key]*Route),
	}
}

// OnRoute registers fn to be called whenever a route is created by traffic
// or a pending request gets bound. fn runs synchronously on the receiving
// goroutine.
func (t *Table) OnRoute(fn func(*Route)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRoute = append(t.onRoute, fn)
}

// FlowIDs returns the expected RTP and effective RTCP flow ids. known is
// false while the RTP flow id is still to be learned.
func (t *Table) FlowIDs() (rtp, rtcp flowid.ID, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtp == flowid.Auto {
		return flowid.Auto, t.rtcp, false
	}
	return t.rtp, t.effectiveRTCP(), true
}

// SetFlowIDs replaces the expected flow ids.
func (t *Table) SetFlowIDs(rtp, rtcp flowid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtp, t.rtcp = rtp, rtcp
	t.claimed = flowid.Auto
}

func (t *Table) effectiveRTCP() flowid.ID {
	if t.rtcp != flowid.Auto {
		return t.rtcp
	}
	if t.rtp == flowid.Auto {
		return flowid.Auto
	}
	return t.rtp + 1
}

// Accepts reports whether units on flow id may be accepted, without
// learning anything. While the RTP flow id is still to be learned every id
// is acceptable.
func (t *Table) Accepts(id flowid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtp == flowid.Auto {
		return true
	}
	return id == t.rtp || id == t.effectiveRTCP()
}

// Adopt is Accepts for a stream or datagram about to be read. While the RTP
// flow id is still to be learned, the first flow id seen is claimed and
// unrelated ids are refused from then on. A unit on an id adjacent to the
// claimed one settles the RTP/RTCP pair, as does any id besides an explicit
// RTCP id.
func (t *Table) Adopt(id flowid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.rtp != flowid.Auto:
		return id == t.rtp || id == t.effectiveRTCP()
	case t.rtcp != flowid.Auto:
		if id != t.rtcp {
			t.adoptLocked(id)
		}
		return true
	case t.claimed == flowid.Auto:
		t.claimed = id
		logrus.WithFields(logrus.Fields{
			"function": "Table.Adopt",
			"flow_id":  uint64(id),
		}).Debug("Claimed flow id of first stream")
		return true
	case id == t.claimed:
		return true
	case id == t.claimed+1:
		t.adoptLocked(t.claimed)
		return true
	case t.claimed > 0 && id == t.claimed-1:
		t.adoptLocked(id)
		return true
	}
	return false
}

func (t *Table) adoptLocked(rtp flowid.ID) {
	t.rtp = rtp
	logrus.WithFields(logrus.Fields{
		"function":     "Table.Adopt",
		"rtp_flow_id":  uint64(t.rtp),
		"rtcp_flow_id": uint64(t.effectiveRTCP()),
	}).Info("Learned flow id from opened streams")
}

// Classify decides whether a unit on flow id with payload type byte pt (the
// second byte of the packet with the marker bit masked) is RTP or RTCP. In
// learning mode the first unit fixes the RTP flow id.
func (t *Table) Classify(id flowid.ID, pt uint8) (Kind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifyLocked(id, pt)
}

func (t *Table) classifyLocked(id flowid.ID, pt uint8) (Kind, error) {
	if t.rtp == flowid.Auto {
		t.learnLocked(id, pt)
	}

	rtcp := t.effectiveRTCP()
	switch {
	case id == t.rtp && id == rtcp:
		if rtpinfo.IsRTCPPayloadType(pt) {
			return KindRTCP, nil
		}
		return KindRTP, nil
	case id == t.rtp:
		return KindRTP, nil
	case id == rtcp:
		return KindRTCP, nil
	}
	return KindRTP, fmt.Errorf("%w: %d (expected rtp %d, rtcp %d)",
		ErrUnknownFlowID, uint64(id), uint64(t.rtp), uint64(rtcp))
}

func (t *Table) learnLocked(id flowid.ID, pt uint8) {
	switch {
	case t.rtcp != flowid.Auto:
		if id == t.rtcp {
			// Only the RTCP flow is known so far.
			return
		}
		t.rtp = id
	case rtpinfo.IsRTCPPayloadType(pt) && id > 0:
		t.rtp = id - 1
	default:
		t.rtp = id
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Table.Classify",
		"rtp_flow_id":  uint64(t.rtp),
		"rtcp_flow_id": uint64(t.effectiveRTCP()),
	}).Info("Learned flow id from first unit")
}

// Lookup returns the route for key.
func (t *Table) Lookup(key Key) (*Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	return r, ok
}

// Routes returns every route, sorted by key.
func (t *Table) Routes() []*Route {
	t.mu.Lock()
	routes := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		routes = append(routes, r)
	}
	t.mu.Unlock()

	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i].key, routes[j].key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.SSRC != b.SSRC {
			return a.SSRC < b.SSRC
		}
		return a.PayloadType < b.PayloadType
	})
	return routes
}

// Register binds sink to key, creating the route if needed.
func (t *Table) Register(key Key, sink Sink) *Route {
	key = normalise(key)

	t.mu.Lock()
	r, ok := t.routes[key]
	if !ok {
		r = newRoute(key, nil)
		t.routes[key] = r
	}
	t.mu.Unlock()

	r.Bind(sink)
	logrus.WithFields(logrus.Fields{
		"function": "Table.Register",
		"route":    key.String(),
	}).Debug("Registered route")
	return r
}

// Unregister removes the route for key. It reports whether one existed.
func (t *Table) Unregister(key Key) bool {
	key = normalise(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; !ok {
		return false
	}
	delete(t.routes, key)
	return true
}

// Request queues a pre-declared sink. The first route created afterwards
// that matches it is bound to req.Sink instead of being left unbound.
func (t *Table) Request(req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.PushBack(req)
}

// CancelRequest withdraws a pending request. It reports whether req was
// still pending.
func (t *Table) CancelRequest(req *Request) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.pending.Index(func(q *Request) bool { return q == req })
	if i < 0 {
		return false
	}
	t.pending.Remove(i)
	return true
}

// Pending returns the number of requests still waiting for a route.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len()
}

// Resolve returns the route for key, creating it when it does not exist. A
// new route takes the first compatible pending request's sink.
func (t *Table) Resolve(key Key) *Route {
	key = normalise(key)

	t.mu.Lock()
	if r, ok := t.routes[key]; ok {
		t.mu.Unlock()
		return r
	}

	r := newRoute(key, nil)
	if i := t.pending.Index(func(q *Request) bool { return q.matches(key) }); i >= 0 {
		r.sink = t.pending.Remove(i).Sink
	}
	t.routes[key] = r
	callbacks := append([]func(*Route){}, t.onRoute...)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Table.Resolve",
		"route":    key.String(),
		"bound":    r.sink != nil,
	}).Info("Created route")

	for _, fn := range callbacks {
		fn(r)
	}
	return r
}

// Route classifies packet, read from flow id, and resolves its route.
func (t *Table) Route(id flowid.ID, packet []byte) (*Route, error) {
	if len(packet) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(packet))
	}
	kind, err := t.Classify(id, packet[1]&0x7f)
	if err != nil {
		t.mu.Lock()
		t.unrouted++
		t.mu.Unlock()
		return nil, err
	}

	var info rtpinfo.Info
	if kind == KindRTCP {
		info, err = rtpinfo.ParseRTCP(packet)
	} else {
		info, err = rtpinfo.ParseRTP(packet)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	return t.Resolve(Key{Kind: kind, SSRC: info.SSRC, PayloadType: info.PayloadType}), nil
}

// Unrouted returns how many units carried a flow id the table rejected.
func (t *Table) Unrouted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unrouted
}

func normalise(key Key) Key {
	if key.Kind == KindRTCP {
		key.PayloadType = 0
	}
	return key
}
