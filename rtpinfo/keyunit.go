package rtpinfo

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pion/rtp/codecs"
)

// Codec selects how key units are recognised in RTP payloads.
type Codec int

const (
	// CodecOpaque never reports key units. Audio and unknown payloads use it.
	CodecOpaque Codec = iota
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
)

// String returns the encoding name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	default:
		return "opaque"
	}
}

// ParseCodec maps an RTP encoding name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "OPAQUE":
		return CodecOpaque, nil
	case "H264", "AVC":
		return CodecH264, nil
	case "H265", "HEVC":
		return CodecH265, nil
	case "VP8":
		return CodecVP8, nil
	case "VP9":
		return CodecVP9, nil
	}
	return CodecOpaque, fmt.Errorf("unsupported codec %q", name)
}

// H.264 NAL unit types (RFC 6184).
const (
	h264NALIDR  = 5
	h264NALSPS  = 7
	h264STAPA   = 24
	h264FUA     = 28
	h264TypeMsk = 0x1f
)

// H.265 NAL unit types (RFC 7798).
const (
	h265IRAPMin = 16
	h265IRAPMax = 21
	h265VPS     = 32
	h265SPS     = 33
	h265AP      = 48
	h265FU      = 49
)

// IsKeyUnit reports whether the RTP payload starts a key frame.
func IsKeyUnit(codec Codec, payload []byte) bool {
	switch codec {
	case CodecH264:
		return isH264KeyUnit(payload)
	case CodecH265:
		return isH265KeyUnit(payload)
	case CodecVP8:
		return isVP8KeyUnit(payload)
	case CodecVP9:
		return isVP9KeyUnit(payload)
	}
	return false
}

func isVP8KeyUnit(payload []byte) bool {
	var p codecs.VP8Packet
	if _, err := p.Unmarshal(payload); err != nil {
		return false
	}
	// The P bit of the VP8 frame header is 0 on key frames.
	return p.S == 1 && p.PID == 0 && len(p.Payload) > 0 && p.Payload[0]&0x01 == 0
}

func isVP9KeyUnit(payload []byte) bool {
	var p codecs.VP9Packet
	if _, err := p.Unmarshal(payload); err != nil {
		return false
	}
	return !p.P && p.B
}

func h264KeyType(t byte) bool {
	return t == h264NALIDR || t == h264NALSPS
}

func isH264KeyUnit(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch t := payload[0] & h264TypeMsk; t {
	case h264STAPA:
		for off := 1; off+2 < len(payload); {
			size := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if size == 0 || off+size > len(payload) {
				return false
			}
			if h264KeyType(payload[off] & h264TypeMsk) {
				return true
			}
			off += size
		}
		return false
	case h264FUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && h264KeyType(payload[1]&h264TypeMsk)
	default:
		return h264KeyType(t)
	}
}

func h265KeyType(t byte) bool {
	return (t >= h265IRAPMin && t <= h265IRAPMax) || t == h265VPS || t == h265SPS
}

func isH265KeyUnit(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	switch t := (payload[0] >> 1) & 0x3f; t {
	case h265AP:
		for off := 2; off+2 < len(payload); {
			size := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if size == 0 || off+size > len(payload) {
				return false
			}
			if h265KeyType((payload[off] >> 1) & 0x3f) {
				return true
			}
			off += size
		}
		return false
	case h265FU:
		if len(payload) < 3 {
			return false
		}
		start := payload[2]&0x80 != 0
		return start && h265KeyType(payload[2]&0x3f)
	default:
		return h265KeyType(t)
	}
}
