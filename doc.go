// Package roq implements RTP over QUIC: RTP and RTCP packets carried on QUIC
// unidirectional streams or QUIC datagrams.
//
// The sending side groups RTP packets into flows by SSRC and payload type
// and writes each flow onto streams whose lifetime follows a boundary
// policy: one stream for the whole flow, one per N frames, or one per N
// groups of pictures. The receiving side reassembles units from stream
// chunks and datagrams and routes them by flow id, SSRC and payload type.
//
// # Getting Started
//
// Configure both ends with Options and open a Session on an established
// quic-go connection:
//
//	opts := roq.NewOptions()
//	opts.Boundary = boundary.PerFrame
//
//	registry := flowid.NewRegistry()
//	session, err := roq.NewSession(conn, registry, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Routes.OnRoute(func(r *route.Route) {
//	    r.Bind(route.SinkFunc(func(f route.Frame) error {
//	        fmt.Printf("%s packet from %d (%d bytes)\n", f.Kind, f.SSRC, len(f.Data))
//	        return nil
//	    }))
//	})
//	go session.Run(ctx)
//
//	err = session.Mux.PushRTP(ctx, packet)
//
// # Wire Format
//
// The first unit of a stream is [stream type][flow id][length][payload],
// with the stream type present only when configured. Later units on the
// same stream are [length][payload]. A datagram is [flow id][payload]. All
// integers are QUIC variable-length integers.
//
// # Packages
//
//   - varint, header: wire encoding
//   - flowid: flow id allocation and RTP/RTCP id binding
//   - boundary: stream rotation policy
//   - mux, demux: sending and receiving
//   - route: RTP/RTCP classification and sink routing
//   - rtpinfo: RTP/RTCP header inspection and key unit detection
//   - transport, quictransport: the QUIC boundary and its quic-go adapter
package roq
