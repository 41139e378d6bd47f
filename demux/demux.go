// Package demux implements the receiving side of RTP-over-QUIC.
//
// Stream chunks are reassembled into units using the length prefix of each
// unit. A unit is dispatched to its route once all declared bytes are in, or
// with whatever has arrived when the peer finishes the stream early: a
// sender may truncate a frame to meet its latency target, and a short frame
// is still worth decoding. Datagrams carry exactly one unit and are
// dispatched as they arrive.
package demux

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/roq/flowid"
	"github.com/opd-ai/roq/header"
	"github.com/opd-ai/roq/limits"
	"github.com/opd-ai/roq/route"
	"github.com/opd-ai/roq/transport"
	"github.com/sirupsen/logrus"
)

// initialUnitCapacity bounds the up-front allocation for a unit, so that a
// large declared length only costs memory once the bytes actually arrive.
const initialUnitCapacity = 64 * 1024

// Config holds the demultiplexer settings.
type Config struct {
	// UseStreamTypeHeader expects every stream to start with a stream type
	// varint equal to StreamType.
	UseStreamTypeHeader bool
	StreamType          uint64
}

// DefaultConfig expects no stream type prefix.
func DefaultConfig() Config {
	return Config{}
}

// Stats counts demultiplexer activity.
type Stats struct {
	StreamUnitsReceived uint64
	DatagramsReceived   uint64
	ShortUnits          uint64
	RejectedStreams     uint64
	DroppedUnits        uint64
}

type counters struct {
	streamUnitsReceived atomic.Uint64
	datagramsReceived   atomic.Uint64
	shortUnits          atomic.Uint64
	rejectedStreams     atomic.Uint64
	droppedUnits        atomic.Uint64
}

// streamContext is the reassembly state of one receive stream. Chunks of a
// stream arrive in order from a single goroutine, so it needs no lock.
type streamContext struct {
	id       uint64
	parser   *header.StreamParser
	flowID   flowid.ID
	offset   uint64
	inUnit   bool
	expected uint64
	buf      []byte
	rejected bool
}

// Demultiplexer reassembles received streams and datagrams and hands the
// units to a route table. It implements transport.Receiver.
type Demultiplexer struct {
	table *route.Table
	cfg   Config

	mu      sync.Mutex
	streams map[uint64]*streamContext

	stats counters
}

var _ transport.Receiver = (*Demultiplexer)(nil)

// New creates a demultiplexer dispatching into table.
func New(table *route.Table, cfg Config) (*Demultiplexer, error) {
	if table == nil {
		return nil, fmt.Errorf("route table cannot be nil")
	}

	logrus.WithFields(logrus.Fields{
		"function":         "demux.New",
		"with_stream_type": cfg.UseStreamTypeHeader,
		"stream_type":      cfg.StreamType,
	}).Info("Creating demultiplexer")

	return &Demultiplexer{
		table:   table,
		cfg:     cfg,
		streams: make(map[uint64]*streamContext),
	}, nil
}

// Table returns the route table units are dispatched to.
func (d *Demultiplexer) Table() *route.Table {
	return d.table
}

// HandleChunk processes one chunk of a receive stream. A returned error
// means the stream is refused; the transport should stop reading it.
// Later chunks of a refused stream are discarded until it finishes or is
// reset.
func (d *Demultiplexer) HandleChunk(chunk transport.Chunk) error {
	sc := d.context(chunk.StreamID)
	if sc.rejected {
		if chunk.Final {
			d.forget(chunk.StreamID)
		}
		return fmt.Errorf("stream %d: %w", chunk.StreamID, ErrStreamRejected)
	}

	if chunk.Offset != sc.offset {
		return d.reject(sc, chunk.Final, fmt.Errorf("%w: got offset %d, want %d", ErrOffsetGap, chunk.Offset, sc.offset))
	}
	sc.offset += uint64(len(chunk.Data))

	data := chunk.Data
	for len(data) > 0 {
		if !sc.inUnit {
			first := !sc.parser.PrefixDone()
			h, n, ok, err := sc.parser.Next(data)
			if err != nil {
				return d.reject(sc, chunk.Final, err)
			}
			data = data[n:]
			if !ok {
				break
			}
			if first {
				if err := d.accept(sc, h); err != nil {
					return d.reject(sc, chunk.Final, err)
				}
			}
			if err := limits.ValidateDeclaredLength(h.Length); err != nil {
				return d.reject(sc, chunk.Final, err)
			}
			if h.Length == 0 {
				logrus.WithFields(logrus.Fields{
					"function":  "Demultiplexer.HandleChunk",
					"stream_id": sc.id,
				}).Debug("Skipping empty unit")
				continue
			}
			sc.inUnit = true
			sc.expected = h.Length
			sc.buf = make([]byte, 0, min(h.Length, initialUnitCapacity))
		}

		take := min(sc.expected-uint64(len(sc.buf)), uint64(len(data)))
		sc.buf = append(sc.buf, data[:take]...)
		data = data[take:]

		if uint64(len(sc.buf)) == sc.expected {
			d.stats.streamUnitsReceived.Add(1)
			d.dispatch(sc.flowID, d.takeUnit(sc), chunk.Timestamp)
		}
	}

	if chunk.Final {
		if sc.inUnit && len(sc.buf) > 0 {
			logrus.WithFields(logrus.Fields{
				"function":  "Demultiplexer.HandleChunk",
				"stream_id": sc.id,
				"received":  len(sc.buf),
				"declared":  sc.expected,
			}).Debug("Stream finished early, dispatching short unit")
			d.stats.streamUnitsReceived.Add(1)
			d.stats.shortUnits.Add(1)
			d.dispatch(sc.flowID, d.takeUnit(sc), chunk.Timestamp)
		}
		d.forget(sc.id)
	}
	return nil
}

// accept checks the prefix of a new stream.
func (d *Demultiplexer) accept(sc *streamContext, h header.StreamHeader) error {
	if d.cfg.UseStreamTypeHeader && h.StreamType != d.cfg.StreamType {
		return fmt.Errorf("%w: got %d, want %d", ErrStreamTypeMismatch, h.StreamType, d.cfg.StreamType)
	}
	if !d.table.Adopt(h.FlowID) {
		return fmt.Errorf("%w: %d", route.ErrUnknownFlowID, uint64(h.FlowID))
	}
	sc.flowID = h.FlowID

	logrus.WithFields(logrus.Fields{
		"function":  "Demultiplexer.accept",
		"stream_id": sc.id,
		"flow_id":   uint64(h.FlowID),
	}).Debug("Accepted stream")
	return nil
}

func (d *Demultiplexer) takeUnit(sc *streamContext) []byte {
	unit := sc.buf
	sc.buf = nil
	sc.inUnit = false
	sc.expected = 0
	return unit
}

// reject marks sc refused. The context stays until the stream finishes or
// is reset, unless final says it already has.
func (d *Demultiplexer) reject(sc *streamContext, final bool, err error) error {
	sc.rejected = true
	sc.buf = nil
	d.stats.rejectedStreams.Add(1)
	if final {
		d.forget(sc.id)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Demultiplexer.reject",
		"stream_id": sc.id,
		"error":     err.Error(),
	}).Warn("Rejecting stream")
	return fmt.Errorf("stream %d: %w", sc.id, err)
}

// HandleDatagram processes one received datagram. Datagrams on flow ids the
// route table does not expect are dropped silently.
func (d *Demultiplexer) HandleDatagram(payload []byte, timestamp time.Duration) error {
	id, n, err := header.ParseDatagramHeader(payload)
	if err != nil {
		d.stats.droppedUnits.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Demultiplexer.HandleDatagram",
			"error":    err.Error(),
		}).Warn("Dropping undecodable datagram")
		return err
	}
	d.stats.datagramsReceived.Add(1)

	if n == len(payload) || !d.table.Adopt(id) {
		d.stats.droppedUnits.Add(1)
		return nil
	}
	d.dispatch(id, payload[n:], timestamp)
	return nil
}

// ResetStream drops the state of a stream the peer abandoned. Nothing
// accumulated on it is dispatched.
func (d *Demultiplexer) ResetStream(streamID uint64) {
	d.mu.Lock()
	sc, ok := d.streams[streamID]
	delete(d.streams, streamID)
	d.mu.Unlock()

	if ok && sc.inUnit {
		d.stats.droppedUnits.Add(1)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Demultiplexer.ResetStream",
		"stream_id": streamID,
		"known":     ok,
	}).Debug("Stream reset by peer")
}

// dispatch routes one unit. Routing failures drop the unit only.
func (d *Demultiplexer) dispatch(id flowid.ID, unit []byte, timestamp time.Duration) {
	r, err := d.table.Route(id, unit)
	if err == nil {
		err = r.Deliver(id, unit, timestamp)
	}
	if err == nil {
		return
	}

	d.stats.droppedUnits.Add(1)
	fields := logrus.Fields{
		"function": "Demultiplexer.dispatch",
		"flow_id":  uint64(id),
		"size":     len(unit),
		"error":    err.Error(),
	}
	if errors.Is(err, route.ErrUnknownFlowID) {
		logrus.WithFields(fields).Debug("Dropping unit on unexpected flow id")
		return
	}
	logrus.WithFields(fields).Warn("Dropping unit")
}

func (d *Demultiplexer) context(id uint64) *streamContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.streams[id]
	if !ok {
		sc = &streamContext{id: id, parser: header.NewStreamParser(d.cfg.UseStreamTypeHeader)}
		d.streams[id] = sc
	}
	return sc
}

func (d *Demultiplexer) forget(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
}

// ActiveStreams returns how many streams have reassembly state.
func (d *Demultiplexer) ActiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Stats returns the demultiplexer counters.
func (d *Demultiplexer) Stats() Stats {
	return Stats{
		StreamUnitsReceived: d.stats.streamUnitsReceived.Load(),
		DatagramsReceived:   d.stats.datagramsReceived.Load(),
		ShortUnits:          d.stats.shortUnits.Load(),
		RejectedStreams:     d.stats.rejectedStreams.Load(),
		DroppedUnits:        d.stats.droppedUnits.Load(),
	}
}
