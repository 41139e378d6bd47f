package route

import "errors"

// Sentinel errors for route resolution.
var (
	// ErrUnknownFlowID indicates a flow id that matches neither the expected
	// RTP nor RTCP flow id.
	ErrUnknownFlowID = errors.New("unknown flow id")

	// ErrNoRoute indicates a unit whose route has no sink bound.
	ErrNoRoute = errors.New("no route found")

	// ErrMalformedPacket indicates a unit too short or malformed to carry
	// the SSRC and payload type needed for routing.
	ErrMalformedPacket = errors.New("malformed packet")
)
