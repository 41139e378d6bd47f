// Package limits provides centralized payload size constants and validation
// functions for RTP-over-QUIC framing. The multiplexer and demultiplexer use
// the same limits so that a unit accepted on one side is never refused on the
// other.
//
// # Size Hierarchy
//
//   - MaxDatagramPayload (65527 bytes): the UDP payload ceiling. The QUIC
//     engine enforces its own, smaller bound and reports it on send.
//
//   - MaxUnitPayload (16 MiB): the largest payload a stream unit may declare.
//     Streams declare the unit length up front, so a peer could otherwise ask
//     the receiver to reserve an arbitrary amount of memory.
//
// # Validation Functions
//
//	if err := limits.ValidateUnit(payload); err != nil {
//	    // ErrPayloadEmpty or ErrPayloadTooLarge
//	}
//
// For declared lengths read off the wire, before any payload is available,
// use ValidateDeclaredLength.
package limits
