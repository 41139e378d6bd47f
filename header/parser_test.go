package header

import (
	"testing"

	"github.com/opd-ai/roq/flowid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamParserWholeHeader(t *testing.T) {
	p := NewStreamParser(false)
	data := []byte{0x05, 0x0a, 0xaa, 0xbb}

	h, n, ok, err := p.Next(data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flowid.ID(5), h.FlowID)
	assert.Equal(t, uint64(10), h.Length)
	assert.Equal(t, 2, n)
	assert.True(t, p.PrefixDone())

	// Subsequent headers are length only.
	h, n, ok, err = p.Next([]byte{0x03, 0x01})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), h.Length)
	assert.Equal(t, flowid.ID(0), h.FlowID)
	assert.Equal(t, 1, n)
}

func TestStreamParserSplitAcrossChunks(t *testing.T) {
	wire := []byte{0x40, 0x40, 0x41, 0x2c, 0x44, 0xb0}
	p := NewStreamParser(true)

	for i := 0; i < len(wire)-1; i++ {
		_, n, ok, err := p.Next(wire[i : i+1])
		require.NoError(t, err)
		require.False(t, ok, "header complete too early at byte %d", i)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, len(wire)-1, p.Buffered())

	h, n, ok, err := p.Next(append([]byte{wire[len(wire)-1]}, 0x99, 0x98))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, n, "only the final header byte belongs to the header")
	assert.Equal(t, StreamHeader{HasStreamType: true, StreamType: 0x40, FlowID: 300, Length: 1200}, h)
	assert.Equal(t, 0, p.Buffered())
}

func TestStreamParserEmptyChunk(t *testing.T) {
	p := NewStreamParser(false)
	_, n, ok, err := p.Next(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.False(t, p.PrefixDone())
}
