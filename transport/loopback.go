package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// firstClientUniStream is the id of the first client-initiated
// unidirectional QUIC stream; following ones are spaced by 4.
const firstClientUniStream = 2

// Loopback is an in-memory Transport that delivers everything it is given
// to a Receiver. A nil receiver only records.
type Loopback struct {
	mu        sync.Mutex
	receiver  Receiver
	clock     *Clock
	nextID    uint64
	streams   map[uint64]*loopbackStream
	order     []uint64
	datagrams [][]byte
	blocked   bool
	closed    bool
}

// NewLoopback creates a loopback transport delivering into receiver.
func NewLoopback(receiver Receiver) *Loopback {
	return NewLoopbackWithTimeProvider(receiver, nil)
}

// NewLoopbackWithTimeProvider creates a loopback transport whose chunk and
// datagram timestamps come from tp.
func NewLoopbackWithTimeProvider(receiver Receiver, tp TimeProvider) *Loopback {
	return &Loopback{
		receiver: receiver,
		clock:    NewClock(tp),
		nextID:   firstClientUniStream,
		streams:  make(map[uint64]*loopbackStream),
	}
}

// OpenUniStream opens a new in-memory stream.
func (l *Loopback) OpenUniStream(ctx context.Context) (SendStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrTransportClosed
	}

	s := &loopbackStream{id: l.nextID, owner: l, blocked: l.blocked}
	l.nextID += 4
	l.streams[s.id] = s
	l.order = append(l.order, s.id)

	logrus.WithFields(logrus.Fields{
		"function":  "Loopback.OpenUniStream",
		"stream_id": s.id,
	}).Debug("Opened loopback stream")
	return s, nil
}

// SendDatagram records payload and hands a copy to the receiver.
func (l *Loopback) SendDatagram(payload []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrTransportClosed
	}
	if l.blocked {
		l.mu.Unlock()
		return ErrBlocked
	}
	data := append([]byte(nil), payload...)
	l.datagrams = append(l.datagrams, data)
	receiver := l.receiver
	l.mu.Unlock()

	if receiver != nil {
		if err := receiver.HandleDatagram(append([]byte(nil), data...), l.clock.Elapsed()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Loopback.SendDatagram",
				"error":    err.Error(),
			}).Debug("Receiver refused datagram")
		}
	}
	return nil
}

// Close shuts the transport down. Open streams are left as they are.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// StopSending simulates the receiver stopping stream id: the next write on
// it fails with ErrClosedByPeer.
func (l *Loopback) StopSending(id uint64) error {
	s, err := l.stream(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

// SetBlocked makes writes on every stream opened from now on, and datagram
// sends, fail with ErrBlocked until cleared.
func (l *Loopback) SetBlocked(blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked = blocked
}

// BlockStream makes the next write on stream id fail with ErrBlocked.
func (l *Loopback) BlockStream(id uint64) error {
	s, err := l.stream(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blocked = true
	s.mu.Unlock()
	return nil
}

// StreamIDs returns the ids of every stream opened, in opening order.
func (l *Loopback) StreamIDs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.order...)
}

// OpenStreamIDs returns the ids of streams neither finished nor reset.
func (l *Loopback) OpenStreamIDs() []uint64 {
	l.mu.Lock()
	streams := make([]*loopbackStream, 0, len(l.streams))
	for _, s := range l.streams {
		streams = append(streams, s)
	}
	l.mu.Unlock()

	var ids []uint64
	for _, s := range streams {
		s.mu.Lock()
		if !s.finished && !s.reset {
			ids = append(ids, s.id)
		}
		s.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StreamData returns a copy of the bytes written to stream id.
func (l *Loopback) StreamData(id uint64) []byte {
	s, err := l.stream(id)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Finished reports whether stream id was closed with a FIN.
func (l *Loopback) Finished(id uint64) bool {
	s, err := l.stream(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Datagrams returns copies of every datagram sent.
func (l *Loopback) Datagrams() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.datagrams))
	for i, d := range l.datagrams {
		out[i] = append([]byte(nil), d...)
	}
	return out
}

func (l *Loopback) stream(id uint64) (*loopbackStream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[id]
	if !ok {
		return nil, fmt.Errorf("unknown stream %d", id)
	}
	return s, nil
}

// loopbackStream is one in-memory unidirectional stream. Its mutex also
// serialises delivery, so the receiver sees chunks in order.
type loopbackStream struct {
	mu       sync.Mutex
	id       uint64
	owner    *Loopback
	data     []byte
	stopped  bool
	blocked  bool
	finished bool
	reset    bool
}

func (s *loopbackStream) StreamID() uint64 {
	return s.id
}

func (s *loopbackStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.finished:
		return 0, fmt.Errorf("write on finished stream %d", s.id)
	case s.stopped:
		if !s.reset {
			s.reset = true
			s.deliverReset()
		}
		return 0, fmt.Errorf("stream %d: %w", s.id, ErrClosedByPeer)
	case s.reset:
		return 0, fmt.Errorf("write on reset stream %d", s.id)
	case s.blocked:
		s.reset = true
		s.deliverReset()
		return 0, fmt.Errorf("stream %d: %w", s.id, ErrBlocked)
	}

	chunk := Chunk{
		StreamID:  s.id,
		Offset:    uint64(len(s.data)),
		Data:      append([]byte(nil), p...),
		Timestamp: s.owner.clock.Elapsed(),
	}
	s.data = append(s.data, p...)
	s.deliver(chunk)
	return len(p), nil
}

func (s *loopbackStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.reset {
		return nil
	}
	s.finished = true
	s.deliver(Chunk{
		StreamID:  s.id,
		Offset:    uint64(len(s.data)),
		Final:     true,
		Timestamp: s.owner.clock.Elapsed(),
	})
	return nil
}

// deliver hands chunk to the receiver. A refused stream behaves as if the
// receiver sent STOP_SENDING.
func (s *loopbackStream) deliver(chunk Chunk) {
	receiver := s.owner.receiver
	if receiver == nil {
		return
	}
	if err := receiver.HandleChunk(chunk); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "loopbackStream.deliver",
			"stream_id": s.id,
			"error":     err.Error(),
		}).Debug("Receiver refused stream")
		s.stopped = true
	}
}

func (s *loopbackStream) deliverReset() {
	if receiver := s.owner.receiver; receiver != nil {
		receiver.ResetStream(s.id)
	}
}
