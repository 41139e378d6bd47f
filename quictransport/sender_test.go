package quictransport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/roq/limits"
	"github.com/opd-ai/roq/transport"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTimeProvider returns a fixed time that tests advance by hand.
type MockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTimeProvider(start time.Time) *MockTimeProvider {
	return &MockTimeProvider{now: start}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type fakeSendStream struct {
	id        quic.StreamID
	written   []byte
	writeErr  error
	deadline  time.Time
	cancelled bool
	code      quic.StreamErrorCode
	closed    bool
}

func (s *fakeSendStream) StreamID() quic.StreamID { return s.id }

func (s *fakeSendStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeSendStream) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSendStream) CancelWrite(code quic.StreamErrorCode) {
	s.cancelled = true
	s.code = code
}

func (s *fakeSendStream) SetWriteDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

type fakeSendConn struct {
	next      *fakeSendStream
	openErr   error
	datagrams [][]byte
	dgramErr  error
}

func (c *fakeSendConn) OpenUniStreamSync(ctx context.Context) (quicSendStream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.next, nil
}

func (c *fakeSendConn) SendDatagram(p []byte) error {
	if c.dgramErr != nil {
		return c.dgramErr
	}
	c.datagrams = append(c.datagrams, append([]byte(nil), p...))
	return nil
}

func TestSenderWrite(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tp := NewMockTimeProvider(start)
	stream := &fakeSendStream{id: 6}
	s := newSender(&fakeSendConn{next: stream}, WithWriteTimeout(50*time.Millisecond), WithTimeProvider(tp))

	st, err := s.OpenUniStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), st.StreamID())

	n, err := st.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, stream.written)
	assert.Equal(t, start.Add(50*time.Millisecond), stream.deadline)

	require.NoError(t, st.Close())
	assert.True(t, stream.closed)
}

func TestSenderWithoutTimeoutSetsNoDeadline(t *testing.T) {
	stream := &fakeSendStream{id: 2}
	s := newSender(&fakeSendConn{next: stream})

	st, err := s.OpenUniStream(context.Background())
	require.NoError(t, err)
	_, err = st.Write([]byte{1})
	require.NoError(t, err)
	assert.True(t, stream.deadline.IsZero())
}

func TestSenderWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       error
		wantCancel bool
	}{
		{
			name: "stopped by peer",
			err:  &quic.StreamError{StreamID: 2, ErrorCode: CodeUnknownFlowID, Remote: true},
			want: transport.ErrClosedByPeer,
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("write: %w", os.ErrDeadlineExceeded),
			want:       transport.ErrBlocked,
			wantCancel: true,
		},
		{
			name: "connection closed",
			err:  &quic.ApplicationError{ErrorCode: 0, ErrorMessage: "bye"},
			want: transport.ErrTransportClosed,
		},
		{
			name: "idle timeout",
			err:  &quic.IdleTimeoutError{},
			want: transport.ErrTransportClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := &fakeSendStream{id: 2, writeErr: tt.err}
			s := newSender(&fakeSendConn{next: stream}, WithWriteTimeout(time.Second))

			st, err := s.OpenUniStream(context.Background())
			require.NoError(t, err)
			_, err = st.Write([]byte{1})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.wantCancel, stream.cancelled)
			if tt.wantCancel {
				assert.Equal(t, CodeFrameCancelled, stream.code)
			}
		})
	}
}

func TestSenderLocalCancelIsNotPeerClose(t *testing.T) {
	stream := &fakeSendStream{id: 2, writeErr: &quic.StreamError{StreamID: 2, Remote: false}}
	s := newSender(&fakeSendConn{next: stream})

	st, err := s.OpenUniStream(context.Background())
	require.NoError(t, err)
	_, err = st.Write([]byte{1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, transport.ErrClosedByPeer))
}

func TestSenderOpenErrors(t *testing.T) {
	s := newSender(&fakeSendConn{openErr: &quic.ApplicationError{ErrorCode: 1}})
	_, err := s.OpenUniStream(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransportClosed)

	s = newSender(&fakeSendConn{openErr: context.Canceled})
	_, err = s.OpenUniStream(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSenderDatagram(t *testing.T) {
	conn := &fakeSendConn{}
	s := newSender(conn)

	require.NoError(t, s.SendDatagram([]byte{4, 1}))
	assert.Equal(t, [][]byte{{4, 1}}, conn.datagrams)

	conn.dgramErr = &quic.DatagramTooLargeError{MaxDatagramPayloadSize: 1200}
	assert.ErrorIs(t, s.SendDatagram(make([]byte, 1500)), limits.ErrPayloadTooLarge)

	conn.dgramErr = &quic.StatelessResetError{}
	assert.ErrorIs(t, s.SendDatagram([]byte{1}), transport.ErrTransportClosed)
}
