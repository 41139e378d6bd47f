package rtpinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	// rtcpSenderSSRCOffset is where the sender SSRC starts in an RTCP packet.
	rtcpSenderSSRCOffset = 4
	rtcpMinLen           = 8

	rtpVersion = 2

	rtcpPayloadTypeMin = 64
	rtcpPayloadTypeMax = 95
)

var (
	// ErrShortPacket indicates a buffer too short to hold the header.
	ErrShortPacket = errors.New("packet too short")

	// ErrNotRTP indicates a buffer that does not parse as RTP.
	ErrNotRTP = errors.New("not an RTP packet")

	// ErrNotRTCP indicates a buffer that does not parse as RTCP.
	ErrNotRTCP = errors.New("not an RTCP packet")
)

// Info describes one RTP or RTCP packet.
type Info struct {
	// RTCP is set for RTCP packets.
	RTCP bool
	// SSRC is the RTP SSRC, or the RTCP sender SSRC.
	SSRC uint32
	// PayloadType is the RTP payload type, or the RTCP packet type with
	// the top bit cleared (64-95), which is how it reads in an RTP position.
	PayloadType uint8
	// Marker is the RTP marker bit.
	Marker bool
	// SequenceNumber and Timestamp are the RTP header fields.
	SequenceNumber uint16
	Timestamp      uint32
	// RTCPType is the RTCP packet type of the first packet in a compound.
	RTCPType rtcp.PacketType
	// Payload is the RTP payload after header, extensions and CSRCs.
	Payload []byte
}

// IsRTCP applies the RFC 5761 heuristic to the second byte of b.
func IsRTCP(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return IsRTCPPayloadType(b[1] & 0x7f)
}

// IsRTCPPayloadType reports whether pt falls in the RTCP range 64-95.
func IsRTCPPayloadType(pt uint8) bool {
	return pt >= rtcpPayloadTypeMin && pt <= rtcpPayloadTypeMax
}

// ParseRTP parses the RTP header of b.
func ParseRTP(b []byte) (Info, error) {
	var h rtp.Header
	n, err := h.Unmarshal(b)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrNotRTP, err)
	}
	if h.Version != rtpVersion {
		return Info{}, fmt.Errorf("%w: version %d", ErrNotRTP, h.Version)
	}

	payload := b[n:]
	if h.Padding && len(payload) > 0 {
		pad := int(payload[len(payload)-1])
		if pad <= len(payload) {
			payload = payload[:len(payload)-pad]
		}
	}

	return Info{
		SSRC:           h.SSRC,
		PayloadType:    h.PayloadType,
		Marker:         h.Marker,
		SequenceNumber: h.SequenceNumber,
		Timestamp:      h.Timestamp,
		Payload:        payload,
	}, nil
}

// ParseRTCP parses the first RTCP header of b and its sender SSRC.
func ParseRTCP(b []byte) (Info, error) {
	if len(b) < rtcpMinLen {
		return Info{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	var h rtcp.Header
	if err := h.Unmarshal(b); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrNotRTCP, err)
	}
	return Info{
		RTCP:        true,
		SSRC:        binary.BigEndian.Uint32(b[rtcpSenderSSRCOffset:]),
		PayloadType: uint8(h.Type) & 0x7f,
		RTCPType:    h.Type,
	}, nil
}

// Inspect parses b as RTCP when the payload type heuristic says so, and as
// RTP otherwise.
func Inspect(b []byte) (Info, error) {
	if IsRTCP(b) {
		return ParseRTCP(b)
	}
	return ParseRTP(b)
}
