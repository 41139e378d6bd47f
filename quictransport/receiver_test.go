package quictransport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/roq/route"
	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	data []byte
	err  error
}

type fakeReceiveStream struct {
	id    quic.StreamID
	mu    sync.Mutex
	reads []readResult
	codes []quic.StreamErrorCode
}

func (s *fakeReceiveStream) StreamID() quic.StreamID { return s.id }

func (s *fakeReceiveStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return copy(p, r.data), r.err
}

func (s *fakeReceiveStream) CancelRead(code quic.StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
}

func (s *fakeReceiveStream) Codes() []quic.StreamErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]quic.StreamErrorCode(nil), s.codes...)
}

// fakeReceiveConn hands out queued streams and datagrams; closeErr is
// returned once the stream queue is closed.
type fakeReceiveConn struct {
	streams   chan quicReceiveStream
	datagrams chan []byte
	closeErr  error
}

func newFakeReceiveConn() *fakeReceiveConn {
	return &fakeReceiveConn{
		streams:   make(chan quicReceiveStream, 8),
		datagrams: make(chan []byte, 8),
	}
}

func (c *fakeReceiveConn) AcceptUniStream(ctx context.Context) (quicReceiveStream, error) {
	select {
	case s, ok := <-c.streams:
		if !ok {
			return nil, c.closeErr
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeReceiveConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagrams:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recordingReceiver records what the receiver delivers. refuse, when set,
// decides whether a chunk is refused.
type recordingReceiver struct {
	mu        sync.Mutex
	chunks    []transport.Chunk
	datagrams [][]byte
	resets    []uint64
	refuse    func(transport.Chunk) error
}

func (r *recordingReceiver) HandleChunk(c transport.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse != nil {
		if err := r.refuse(c); err != nil {
			return err
		}
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *recordingReceiver) HandleDatagram(b []byte, ts time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datagrams = append(r.datagrams, b)
	return nil
}

func (r *recordingReceiver) ResetStream(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, id)
}

func (r *recordingReceiver) Chunks() []transport.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Chunk(nil), r.chunks...)
}

func (r *recordingReceiver) Datagrams() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.datagrams...)
}

func (r *recordingReceiver) Resets() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.resets...)
}

// runReceiver starts r and returns a function that stops it and returns
// Run's result.
func runReceiver(t *testing.T, r *Receiver) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("receiver did not stop")
			return nil
		}
	}
}

func TestReceiverDeliversChunks(t *testing.T) {
	conn := newFakeReceiveConn()
	rec := &recordingReceiver{}
	r := newReceiver(conn, rec)
	stop := runReceiver(t, r)

	conn.streams <- &fakeReceiveStream{id: 2, reads: []readResult{
		{data: []byte{1, 2}},
		{data: []byte{3}, err: io.EOF},
	}}

	require.Eventually(t, func() bool { return len(rec.Chunks()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	chunks := rec.Chunks()
	assert.Equal(t, uint64(2), chunks[0].StreamID)
	assert.Equal(t, uint64(0), chunks[0].Offset)
	assert.Equal(t, []byte{1, 2}, chunks[0].Data)
	assert.False(t, chunks[0].Final)
	assert.Equal(t, uint64(2), chunks[1].Offset)
	assert.Equal(t, []byte{3}, chunks[1].Data)
	assert.True(t, chunks[1].Final)
}

func TestReceiverEmptyFinal(t *testing.T) {
	conn := newFakeReceiveConn()
	rec := &recordingReceiver{}
	stop := runReceiver(t, newReceiver(conn, rec))

	conn.streams <- &fakeReceiveStream{id: 6, reads: []readResult{{data: []byte{9}}}}

	require.Eventually(t, func() bool { return len(rec.Chunks()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	last := rec.Chunks()[1]
	assert.True(t, last.Final)
	assert.Empty(t, last.Data)
}

func TestReceiverRefusedStream(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code quic.StreamErrorCode
	}{
		{"unknown flow id", fmt.Errorf("stream 2: %w", route.ErrUnknownFlowID), CodeUnknownFlowID},
		{"malformed", fmt.Errorf("bad header"), CodePacketError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeReceiveConn()
			rec := &recordingReceiver{refuse: func(transport.Chunk) error { return tt.err }}
			stop := runReceiver(t, newReceiver(conn, rec))

			stream := &fakeReceiveStream{id: 2, reads: []readResult{{data: []byte{1}}}}
			conn.streams <- stream

			require.Eventually(t, func() bool { return len(rec.Resets()) == 1 }, time.Second, 5*time.Millisecond)
			require.NoError(t, stop())
			assert.Contains(t, stream.Codes(), tt.code)
			assert.Equal(t, []uint64{2}, rec.Resets())
		})
	}
}

func TestReceiverPeerReset(t *testing.T) {
	conn := newFakeReceiveConn()
	rec := &recordingReceiver{}
	stop := runReceiver(t, newReceiver(conn, rec))

	conn.streams <- &fakeReceiveStream{id: 10, reads: []readResult{
		{data: []byte{1}},
		{err: &quic.StreamError{StreamID: 10, ErrorCode: CodeFrameCancelled, Remote: true}},
	}}

	require.Eventually(t, func() bool { return len(rec.Resets()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Len(t, rec.Chunks(), 1)
	assert.Equal(t, []uint64{10}, rec.Resets())
}

func TestReceiverDatagrams(t *testing.T) {
	conn := newFakeReceiveConn()
	rec := &recordingReceiver{}
	stop := runReceiver(t, newReceiver(conn, rec, WithDatagrams(true)))

	conn.datagrams <- []byte{4, 0x80}
	require.Eventually(t, func() bool { return len(rec.Datagrams()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []byte{4, 0x80}, rec.Datagrams()[0])
}

func TestReceiverConnectionClosed(t *testing.T) {
	conn := newFakeReceiveConn()
	conn.closeErr = &quic.ApplicationError{ErrorCode: 0}
	close(conn.streams)

	err := newReceiver(conn, &recordingReceiver{}).Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
}

func TestReceiverRequiresHandler(t *testing.T) {
	err := newReceiver(newFakeReceiveConn(), nil).Run(context.Background())
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	o := buildOptions([]Option{WithReadBufferSize(0), WithTimeProvider(nil)})
	assert.Equal(t, DefaultReadBufferSize, o.readBufferSize)
	assert.Equal(t, transport.RealTimeProvider{}, o.timeProvider)

	o = buildOptions([]Option{WithReadBufferSize(512), WithDatagrams(true), WithWriteTimeout(time.Second)})
	assert.Equal(t, 512, o.readBufferSize)
	assert.True(t, o.datagrams)
	assert.Equal(t, time.Second, o.writeTimeout)
}
