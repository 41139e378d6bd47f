package varint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		want  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one byte max", 63, []byte{0x3f}},
		{"two byte min", 64, []byte{0x40, 0x40}},
		{"two byte", 494, []byte{0x41, 0xee}},
		{"four byte min", 16384, []byte{0x80, 0x00, 0x40, 0x00}},
		{"four byte", 494878333, []byte{0x9d, 0x7f, 0x3e, 0x7d}},
		{"eight byte", 151288809941952652, []byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}},
		{"max", Max, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			n, err := Len(tt.value)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			v, consumed, err := Parse(got)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, len(tt.want), consumed)
		})
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	_, err := Encode(Max + 1)
	assert.ErrorIs(t, err, ErrValueOutOfRange)

	_, err = Len(1 << 63)
	assert.ErrorIs(t, err, ErrValueOutOfRange)

	buf := []byte{0xaa}
	out, err := Append(buf, Max+1)
	assert.ErrorIs(t, err, ErrValueOutOfRange)
	assert.Equal(t, buf, out, "buffer must be left untouched on error")
}

func TestParseTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"two byte tag with one byte", []byte{0x40}},
		{"four byte tag with three bytes", []byte{0x80, 0x00, 0x01}},
		{"eight byte tag with seven bytes", []byte{0xc0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrTruncatedVarint)
		})
	}
}

func TestParseNonMinimal(t *testing.T) {
	// 37 encoded on two bytes is legal on the wire.
	v, n, err := Parse([]byte{0x40, 0x25, 0xff})
	require.NoError(t, err)
	assert.Equal(t, uint64(37), v)
	assert.Equal(t, 2, n)
}

func TestEncodedLen(t *testing.T) {
	assert.Equal(t, 1, EncodedLen(0x3f))
	assert.Equal(t, 2, EncodedLen(0x7f))
	assert.Equal(t, 4, EncodedLen(0x80))
	assert.Equal(t, 8, EncodedLen(0xc0))
}
