// Package mux implements the sending side of RTP-over-QUIC.
//
// RTP buffers are grouped into flows by (SSRC, payload type). Each flow
// writes onto one unidirectional QUIC stream at a time and moves to a fresh
// stream as its boundary policy dictates. The first unit on a stream carries
// the flow id; following units carry only their length.
//
// When the receiver stops reading a stream in the middle of a frame, the
// flow is cancelled: the rest of that frame (or GOP) is dropped, and the
// flow resumes on a new stream at the next frame (or GOP) start. Frames that
// were already written are never sent again.
//
// In datagram mode each buffer becomes one datagram and flows keep no stream
// state.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/opd-ai/roq/boundary"
	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/header"
	"github.com/opd-ai/roq/limits"
	"github.com/opd-ai/roq/rtpinfo"
	"github.com/opd-ai/roq/transport"
	"github.com/sirupsen/logrus"
)

// FlowKey identifies a send flow.
type FlowKey struct {
	SSRC        uint32
	PayloadType uint8
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d/%d", k.SSRC, k.PayloadType)
}

// Buffer is one RTP packet to send. The multiplexer does not keep Data
// after Push returns.
type Buffer struct {
	SSRC        uint32
	PayloadType uint8
	Data        []byte
	// FrameEnd marks the last packet of a frame.
	FrameEnd bool
	// KeyUnit marks the first packet of a key frame.
	KeyUnit bool
}

func (b Buffer) key() FlowKey {
	return FlowKey{SSRC: b.SSRC, PayloadType: b.PayloadType}
}

func (b Buffer) unit() boundary.Unit {
	return boundary.Unit{FrameEnd: b.FrameEnd, KeyUnit: b.KeyUnit}
}

// queued is a buffer waiting for the transport to unblock. counted is set
// once the boundary counter has seen it.
type queued struct {
	buf     Buffer
	counted bool
}

// flow is the per-(SSRC, PT) send state.
type flow struct {
	mu        sync.Mutex
	key       FlowKey
	stream    transport.SendStream
	offset    uint64
	counter   *boundary.Counter
	cancelled bool
	queue     deque.Deque[queued]
}

// FlowState is a snapshot of one flow.
type FlowState struct {
	Key       FlowKey
	HasStream bool
	StreamID  uint64
	Offset    uint64
	Counter   uint
	Cancelled bool
	Queued    int
}

// Stats counts multiplexer activity.
type Stats struct {
	StreamUnitsSent uint64
	DatagramsSent   uint64
	StreamsOpened   uint64
	StreamsRotated  uint64
	FramesCancelled uint64
	BuffersDropped  uint64
	BuffersQueued   uint64
	BlockedWrites   uint64
}

type counters struct {
	streamUnitsSent atomic.Uint64
	datagramsSent   atomic.Uint64
	streamsOpened   atomic.Uint64
	streamsRotated  atomic.Uint64
	framesCancelled atomic.Uint64
	buffersDropped  atomic.Uint64
	buffersQueued   atomic.Uint64
	blockedWrites   atomic.Uint64
}

// Multiplexer sends RTP and RTCP buffers over a Transport.
type Multiplexer struct {
	mu        sync.RWMutex
	transport transport.Transport
	binding   *flowid.Binding
	cfg       Config
	flows     map[FlowKey]*flow
	rtcp      map[int]*rtcpStream
	closed    bool
	stats     counters
}

// New creates a multiplexer.
//
// Parameters:
//   - tr: QUIC transport used to open streams and send datagrams
//   - registry: flow id registry shared by every multiplexer of the connection
//   - cfg: multiplexer settings
//
// Returns:
//   - *Multiplexer: New multiplexer holding its flow ids
//   - error: Invalid configuration or flow id allocation failure
func New(tr transport.Transport, registry *flowid.Registry, cfg Config) (*Multiplexer, error) {
	logrus.WithFields(logrus.Fields{
		"function":      "mux.New",
		"boundary":      cfg.Boundary.Mode.String(),
		"packing_ratio": cfg.Boundary.PackingRatio,
		"datagrams":     cfg.UseDatagrams,
		"rtp_flow_id":   cfg.RTPFlowID.String(),
	}).Info("Creating multiplexer")

	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "mux.New",
			"error":    err.Error(),
		}).Error("Invalid multiplexer configuration")
		return nil, err
	}

	binding, err := flowid.NewBinding(registry)
	if err != nil {
		return nil, err
	}
	if cfg.RTCPFlowID != flowid.Auto {
		if _, err := binding.SetRTCP(cfg.RTCPFlowID); err != nil {
			return nil, fmt.Errorf("failed to reserve RTCP flow id: %w", err)
		}
	}
	rtp, err := binding.SetRTP(cfg.RTPFlowID)
	if err != nil {
		binding.Release()
		return nil, fmt.Errorf("failed to reserve RTP flow id: %w", err)
	}
	rtcp, _ := binding.RTCP()

	m := &Multiplexer{
		transport: tr,
		binding:   binding,
		cfg:       cfg,
		flows:     make(map[FlowKey]*flow),
		rtcp:      make(map[int]*rtcpStream),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "mux.New",
		"rtp_flow_id":  uint64(rtp),
		"rtcp_flow_id": uint64(rtcp),
	}).Info("Multiplexer created successfully")
	return m, nil
}

// FlowIDs returns the RTP and effective RTCP flow ids.
func (m *Multiplexer) FlowIDs() (rtp, rtcp flowid.ID) {
	rtp, _ = m.binding.RTP()
	rtcp, _ = m.binding.RTCP()
	return rtp, rtcp
}

// SetRTPFlowID changes the RTP flow id. Streams opened from now on carry the
// new id; a derived RTCP id follows it.
func (m *Multiplexer) SetRTPFlowID(id flowid.ID) (flowid.ID, error) {
	return m.binding.SetRTP(id)
}

// SetRTCPFlowID overrides the RTCP flow id; flowid.Auto restores RTP+1.
func (m *Multiplexer) SetRTCPFlowID(id flowid.ID) (flowid.ID, error) {
	return m.binding.SetRTCP(id)
}

// Config returns the multiplexer settings.
func (m *Multiplexer) Config() Config {
	return m.cfg
}

// PushRTP inspects an RTP packet and pushes it. The marker bit ends a frame;
// key units are detected for the configured codec.
func (m *Multiplexer) PushRTP(ctx context.Context, packet []byte) error {
	info, err := rtpinfo.ParseRTP(packet)
	if err != nil {
		return err
	}
	return m.Push(ctx, Buffer{
		SSRC:        info.SSRC,
		PayloadType: info.PayloadType,
		Data:        packet,
		FrameEnd:    info.Marker,
		KeyUnit:     rtpinfo.IsKeyUnit(m.cfg.Codec, info.Payload),
	})
}

// Push sends one buffer on its flow.
func (m *Multiplexer) Push(ctx context.Context, buf Buffer) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if m.cfg.UseDatagrams {
		rtp, _ := m.binding.RTP()
		return m.sendDatagram(rtp, buf.Data)
	}

	if err := limits.ValidateUnit(buf.Data); err != nil {
		return err
	}

	f := m.flowFor(buf.key())
	// f.mu is held across the stream write; each flow has one writer and
	// Push on other flows is not blocked by it.
	f.mu.Lock()
	defer f.mu.Unlock()

	if m.cfg.BlockedPolicy == BlockedQueue {
		if err := m.drainLocked(ctx, f); err != nil {
			if errors.Is(err, transport.ErrBlocked) {
				m.enqueueLocked(f, queued{buf: cloneBuffer(buf)})
				return nil
			}
			return err
		}
	}

	err := m.writeLocked(ctx, f, buf, false)
	if errors.Is(err, transport.ErrBlocked) && m.cfg.BlockedPolicy == BlockedQueue {
		m.enqueueLocked(f, queued{buf: cloneBuffer(buf), counted: true})
		return nil
	}
	return err
}

// Flush retries every queued buffer. It returns transport.ErrBlocked if
// some flow is still blocked.
func (m *Multiplexer) Flush(ctx context.Context) error {
	var firstErr error
	for _, f := range m.snapshotFlows() {
		f.mu.Lock()
		err := m.drainLocked(ctx, f)
		f.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Multiplexer) flowFor(key FlowKey) *flow {
	m.mu.RLock()
	f, ok := m.flows[key]
	m.mu.RUnlock()
	if ok {
		return f
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok = m.flows[key]; ok {
		return f
	}
	f = &flow{key: key, counter: boundary.NewCounter(m.cfg.Boundary)}
	m.flows[key] = f

	logrus.WithFields(logrus.Fields{
		"function": "Multiplexer.flowFor",
		"flow":     key.String(),
	}).Debug("Created send flow")
	return f
}

func (m *Multiplexer) snapshotFlows() []*flow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	return flows
}

// writeLocked writes buf on f's stream, opening and rotating streams as the
// boundary policy says. counted is set when the boundary counter has
// already seen buf. f.mu must be held.
func (m *Multiplexer) writeLocked(ctx context.Context, f *flow, buf Buffer, counted bool) error {
	u := buf.unit()

	if f.cancelled {
		if !f.counter.StartsUnit(u) {
			f.counter.Skip(u)
			m.stats.buffersDropped.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "Multiplexer.writeLocked",
				"flow":     f.key.String(),
			}).Debug("Dropping buffer of cancelled frame")
			return nil
		}
		f.cancelled = false
		logrus.WithFields(logrus.Fields{
			"function": "Multiplexer.writeLocked",
			"flow":     f.key.String(),
		}).Debug("Resuming cancelled flow at unit start")
	}

	startsUnit := f.counter.StartsUnit(u)
	if !counted && f.counter.BeforeWrite(u) && f.stream != nil {
		m.rotateLocked(f)
	}

	err := m.writeUnitLocked(ctx, f, buf.Data)
	if errors.Is(err, transport.ErrClosedByPeer) && startsUnit {
		// Nothing of this frame went out yet, so it may start over on a
		// new stream.
		f.counter.Reset()
		f.counter.BeforeWrite(u)
		err = m.writeUnitLocked(ctx, f, buf.Data)
	}

	switch {
	case err == nil:
	case errors.Is(err, transport.ErrClosedByPeer):
		m.cancelLocked(f, u)
		return nil
	case errors.Is(err, transport.ErrBlocked):
		m.stats.blockedWrites.Add(1)
		if m.cfg.BlockedPolicy == BlockedQueue {
			return err
		}
		m.cancelLocked(f, u)
		return fmt.Errorf("flow %s: %w", f.key, err)
	default:
		return err
	}

	if f.counter.AfterWrite(u) {
		m.rotateLocked(f)
	}
	return nil
}

// writeUnitLocked frames data and writes it on the current stream, opening
// one when needed. On ErrClosedByPeer or ErrBlocked the stream is dropped.
func (m *Multiplexer) writeUnitLocked(ctx context.Context, f *flow, data []byte) error {
	if f.stream == nil {
		s, err := m.transport.OpenUniStream(ctx)
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		f.stream = s
		f.offset = 0
		m.stats.streamsOpened.Add(1)

		logrus.WithFields(logrus.Fields{
			"function":  "Multiplexer.writeUnitLocked",
			"flow":      f.key.String(),
			"stream_id": s.StreamID(),
		}).Debug("Opened stream for flow")
	}

	unit, err := m.frame(f.offset == 0, data)
	if err != nil {
		return err
	}

	n, err := f.stream.Write(unit)
	if err != nil {
		if errors.Is(err, transport.ErrClosedByPeer) || errors.Is(err, transport.ErrBlocked) {
			logrus.WithFields(logrus.Fields{
				"function":  "Multiplexer.writeUnitLocked",
				"flow":      f.key.String(),
				"stream_id": f.stream.StreamID(),
				"error":     err.Error(),
			}).Info("Stream write failed, dropping stream")
			f.stream = nil
			f.offset = 0
		}
		return err
	}
	f.offset += uint64(n)
	m.stats.streamUnitsSent.Add(1)
	return nil
}

// frame builds one unit: the full stream header when first is set, the
// length header otherwise, then data.
func (m *Multiplexer) frame(first bool, data []byte) ([]byte, error) {
	length := uint64(len(data))
	if !first {
		out, err := header.AppendUnitHeader(make([]byte, 0, 8+len(data)), length)
		if err != nil {
			return nil, err
		}
		return append(out, data...), nil
	}

	rtp, _ := m.binding.RTP()
	h := header.StreamHeader{
		HasStreamType: m.cfg.UseStreamTypeHeader,
		StreamType:    m.cfg.StreamType,
		FlowID:        rtp,
		Length:        length,
	}
	out, err := header.AppendStreamHeader(make([]byte, 0, h.Len()+len(data)), h)
	if err != nil {
		return nil, err
	}
	return append(out, data...), nil
}

// rotateLocked closes the current stream with a FIN.
func (m *Multiplexer) rotateLocked(f *flow) {
	if f.stream == nil {
		return
	}
	id := f.stream.StreamID()
	if err := f.stream.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Multiplexer.rotateLocked",
			"flow":      f.key.String(),
			"stream_id": id,
			"error":     err.Error(),
		}).Warn("Failed to close stream")
	}
	f.stream = nil
	f.offset = 0
	m.stats.streamsRotated.Add(1)

	logrus.WithFields(logrus.Fields{
		"function":  "Multiplexer.rotateLocked",
		"flow":      f.key.String(),
		"stream_id": id,
	}).Debug("Rotated stream")
}

// cancelLocked drops the stream and the rest of the frame u belongs to.
func (m *Multiplexer) cancelLocked(f *flow, u boundary.Unit) {
	f.stream = nil
	f.offset = 0
	f.cancelled = true
	f.counter.Reset()
	f.counter.Skip(u)
	m.stats.framesCancelled.Add(1)
	m.stats.buffersDropped.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "Multiplexer.cancelLocked",
		"flow":     f.key.String(),
	}).Info("Frame cancelled, dropping until next unit start")
}

// drainLocked retries queued buffers in order. It stops at the first one
// still blocked.
func (m *Multiplexer) drainLocked(ctx context.Context, f *flow) error {
	for f.queue.Len() > 0 {
		q := f.queue.Front()
		err := m.writeLocked(ctx, f, q.buf, q.counted)
		if errors.Is(err, transport.ErrBlocked) {
			q.counted = true
			f.queue.Set(0, q)
			return err
		}
		f.queue.PopFront()
		if err != nil {
			return err
		}
	}
	return nil
}

// enqueueLocked appends q, dropping the oldest entry when the queue is full.
func (m *Multiplexer) enqueueLocked(f *flow, q queued) {
	if f.queue.Len() >= m.cfg.queueDepth() {
		f.queue.PopFront()
		m.stats.buffersDropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Multiplexer.enqueueLocked",
			"flow":     f.key.String(),
		}).Warn("Send queue full, dropping oldest buffer")
	}
	f.queue.PushBack(q)
	m.stats.buffersQueued.Add(1)
}

func (m *Multiplexer) sendDatagram(id flowid.ID, data []byte) error {
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	out, err := header.AppendDatagramHeader(make([]byte, 0, 8+len(data)), id)
	if err != nil {
		return err
	}
	out = append(out, data...)

	if err := m.transport.SendDatagram(out); err != nil {
		m.stats.buffersDropped.Add(1)
		if errors.Is(err, transport.ErrBlocked) {
			m.stats.blockedWrites.Add(1)
			if m.cfg.BlockedPolicy == BlockedQueue {
				return nil
			}
		}
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	m.stats.datagramsSent.Add(1)
	return nil
}

// Flows returns a snapshot of every send flow, sorted by key.
func (m *Multiplexer) Flows() []FlowState {
	flows := m.snapshotFlows()
	states := make([]FlowState, 0, len(flows))
	for _, f := range flows {
		f.mu.Lock()
		st := FlowState{
			Key:       f.key,
			HasStream: f.stream != nil,
			Offset:    f.offset,
			Counter:   f.counter.Count(),
			Cancelled: f.cancelled,
			Queued:    f.queue.Len(),
		}
		if f.stream != nil {
			st.StreamID = f.stream.StreamID()
		}
		f.mu.Unlock()
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Key.SSRC != states[j].Key.SSRC {
			return states[i].Key.SSRC < states[j].Key.SSRC
		}
		return states[i].Key.PayloadType < states[j].Key.PayloadType
	})
	return states
}

// Stats returns the multiplexer counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		StreamUnitsSent: m.stats.streamUnitsSent.Load(),
		DatagramsSent:   m.stats.datagramsSent.Load(),
		StreamsOpened:   m.stats.streamsOpened.Load(),
		StreamsRotated:  m.stats.streamsRotated.Load(),
		FramesCancelled: m.stats.framesCancelled.Load(),
		BuffersDropped:  m.stats.buffersDropped.Load(),
		BuffersQueued:   m.stats.buffersQueued.Load(),
		BlockedWrites:   m.stats.blockedWrites.Load(),
	}
}

// Close finishes every open stream and releases the flow ids. Queued
// buffers are discarded.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	rtcp := make([]*rtcpStream, 0, len(m.rtcp))
	for _, r := range m.rtcp {
		rtcp = append(rtcp, r)
	}
	m.mu.Unlock()

	var firstErr error
	for _, f := range flows {
		f.mu.Lock()
		if f.stream != nil {
			if err := f.stream.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			f.stream = nil
		}
		f.queue.Clear()
		f.mu.Unlock()
	}
	for _, r := range rtcp {
		if err := r.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.binding.Release()

	logrus.WithFields(logrus.Fields{
		"function": "Multiplexer.Close",
		"flows":    len(flows),
	}).Info("Multiplexer closed")
	return firstErr
}

func cloneBuffer(b Buffer) Buffer {
	b.Data = append([]byte(nil), b.Data...)
	return b
}
