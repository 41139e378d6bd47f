package rtpinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		name string
		want Codec
	}{
		{"h264", CodecH264},
		{"HEVC", CodecH265},
		{"vp8", CodecVP8},
		{"VP9", CodecVP9},
		{"", CodecOpaque},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCodec(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)
		})
	}

	_, err := ParseCodec("theora")
	assert.Error(t, err)
	assert.Equal(t, "VP8", CodecVP8.String())
}

func TestIsKeyUnit(t *testing.T) {
	tests := []struct {
		name    string
		codec   Codec
		payload []byte
		want    bool
	}{
		{"h264 idr", CodecH264, []byte{0x65, 0x88}, true},
		{"h264 sps", CodecH264, []byte{0x67, 0x42}, true},
		{"h264 non-idr slice", CodecH264, []byte{0x41, 0x9a}, false},
		{"h264 stap-a with sps", CodecH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x01, 0x68}, true},
		{"h264 stap-a without key", CodecH264, []byte{0x78, 0x00, 0x02, 0x41, 0x9a}, false},
		{"h264 fu-a idr start", CodecH264, []byte{0x7c, 0x85, 0xaa}, true},
		{"h264 fu-a idr middle", CodecH264, []byte{0x7c, 0x05, 0xaa}, false},
		{"h264 empty", CodecH264, nil, false},

		{"h265 idr_w_radl", CodecH265, []byte{0x26, 0x01, 0xaf}, true},
		{"h265 vps", CodecH265, []byte{0x40, 0x01, 0x0c}, true},
		{"h265 trail_r", CodecH265, []byte{0x02, 0x01, 0xd0}, false},
		{"h265 fu idr start", CodecH265, []byte{0x62, 0x01, 0x93, 0xaf}, true},
		{"h265 fu idr middle", CodecH265, []byte{0x62, 0x01, 0x13, 0xaf}, false},
		{"h265 ap with vps", CodecH265, []byte{0x60, 0x01, 0x00, 0x02, 0x40, 0x01}, true},

		{"vp8 key", CodecVP8, []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}, true},
		{"vp8 inter", CodecVP8, []byte{0x10, 0x01, 0x9d, 0x01, 0x2a}, false},
		{"vp8 continuation", CodecVP8, []byte{0x00, 0x00, 0x9d}, false},

		{"vp9 key start", CodecVP9, []byte{0x08, 0xaa}, true},
		{"vp9 inter start", CodecVP9, []byte{0x48, 0xaa}, false},
		{"vp9 key middle", CodecVP9, []byte{0x00, 0xaa}, false},

		{"opaque", CodecOpaque, []byte{0x65}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKeyUnit(tt.codec, tt.payload))
		})
	}
}
