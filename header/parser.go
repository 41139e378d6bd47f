package header

import (
	"errors"

	"github.com/opd-ai/roq/varint"
)

// StreamParser decodes the unit headers of one receive stream incrementally.
// Stream data arrives in arbitrary chunks, so a header may be split across
// several of them; the parser keeps the partial bytes until the header is
// complete.
//
// The first header returned is a full stream header. Every following header
// carries only Length.
type StreamParser struct {
	withType   bool
	prefixDone bool
	pending    []byte
}

// NewStreamParser creates a parser for a fresh stream. withType selects
// whether the first header starts with a stream type.
func NewStreamParser(withType bool) *StreamParser {
	return &StreamParser{withType: withType}
}

// PrefixDone reports whether the stream prefix has been consumed.
func (p *StreamParser) PrefixDone() bool {
	return p.prefixDone
}

// Buffered reports how many header bytes are held from earlier chunks.
func (p *StreamParser) Buffered() int {
	return len(p.pending)
}

// Next consumes header bytes from data. When a header completes it is
// returned with ok set and consumed counts only the bytes of data that
// belonged to it. When data ends inside a header, all of data is consumed and
// ok is false. Decode errors other than truncation are returned as is.
func (p *StreamParser) Next(data []byte) (h StreamHeader, consumed int, ok bool, err error) {
	take := MaxStreamHeaderLen - len(p.pending)
	if take > len(data) {
		take = len(data)
	}
	buf := make([]byte, 0, len(p.pending)+take)
	buf = append(buf, p.pending...)
	buf = append(buf, data[:take]...)

	var n int
	if p.prefixDone {
		h.Length, n, err = ParseUnitHeader(buf)
	} else {
		h, n, err = ParseStreamHeader(buf, p.withType)
	}
	if err != nil {
		if errors.Is(err, varint.ErrTruncatedVarint) {
			p.pending = buf
			return StreamHeader{}, take, false, nil
		}
		return StreamHeader{}, 0, false, err
	}

	consumed = n - len(p.pending)
	p.pending = nil
	p.prefixDone = true
	return h, consumed, true, nil
}
