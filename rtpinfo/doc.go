// Package rtpinfo extracts what the RTP-over-QUIC framing layer needs to know
// about a packet without interpreting its media: whether it is RTP or RTCP,
// its SSRC and payload type, the marker bit, and whether it starts a key
// frame.
//
// RTP and RTCP headers are parsed with pion/rtp and pion/rtcp. Key frame
// detection for VP8 and VP9 uses the payload descriptors from
// pion/rtp/codecs; H.264 and H.265 are classified from the NAL unit header.
//
// RTP and RTCP sharing one flow are told apart the RFC 5761 way: RTCP packet
// types 192-223 occupy the byte where RTP carries the marker bit and
// payload type, which puts them at payload types 64-95 once the marker bit is
// masked off.
package rtpinfo
