// Package boundary decides when a send flow moves to a new QUIC stream.
//
// A flow writes its RTP packets onto one unidirectional stream at a time.
// The policy mode picks the unit of rotation: never (SingleStream), after a
// number of complete frames (PerFrame), or before the start of a group of
// pictures once a number of GOPs have been written (PerGOP). PackingRatio
// sets how many frames or GOPs share one stream.
package boundary

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects the stream rotation unit.
type Mode int

const (
	// SingleStream keeps one stream per flow for the flow's whole lifetime.
	SingleStream Mode = iota
	// PerFrame rotates after PackingRatio frames have been written.
	PerFrame
	// PerGOP rotates before the key unit that starts GOP PackingRatio+1.
	PerGOP
)

// ErrUnknownMode indicates a mode name that ParseMode does not recognise.
var ErrUnknownMode = errors.New("unknown stream boundary mode")

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case SingleStream:
		return "single-stream"
	case PerFrame:
		return "frame"
	case PerGOP:
		return "gop"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a configuration name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single-stream", "single", "stream":
		return SingleStream, nil
	case "frame", "per-frame":
		return PerFrame, nil
	case "gop", "per-gop":
		return PerGOP, nil
	}
	return SingleStream, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Unit carries the per-buffer flags the policy looks at.
type Unit struct {
	// FrameEnd is set on the last buffer of a frame (the RTP marker bit for
	// video).
	FrameEnd bool
	// KeyUnit is set on the first buffer of a key frame, which starts a GOP.
	KeyUnit bool
}

// Policy is a rotation mode and its packing ratio.
type Policy struct {
	Mode         Mode
	PackingRatio uint
}

// Validate checks the mode. A zero packing ratio is treated as 1.
func (p Policy) Validate() error {
	switch p.Mode {
	case SingleStream, PerFrame, PerGOP:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownMode, int(p.Mode))
}

func (p Policy) ratio() uint {
	if p.PackingRatio == 0 {
		return 1
	}
	return p.PackingRatio
}

// Counter applies a Policy to the buffers of one flow. It is not safe for
// concurrent use; the owning flow serialises access.
type Counter struct {
	policy Policy
	count  uint
	// lastFrameEnd remembers whether the previous buffer closed a frame.
	lastFrameEnd bool
}

// NewCounter creates a counter in its initial state. The first buffer of a
// flow is always treated as a unit start.
func NewCounter(p Policy) *Counter {
	return &Counter{policy: p, lastFrameEnd: true}
}

// Policy returns the policy the counter applies.
func (c *Counter) Policy() Policy {
	return c.policy
}

// Count returns the current counter value.
func (c *Counter) Count() uint {
	return c.count
}

// BeforeWrite is called before u is written and reports whether the current
// stream must be closed first, so that u opens a new stream. Only PerGOP
// rotates here; the counter restarts at zero on rotation.
func (c *Counter) BeforeWrite(u Unit) bool {
	if c.policy.Mode != PerGOP || !u.KeyUnit {
		return false
	}
	c.count++
	if c.count > c.policy.ratio() {
		c.count = 0
		return true
	}
	return false
}

// AfterWrite is called once u has been written and reports whether the
// stream must be closed now. Only PerFrame rotates here.
func (c *Counter) AfterWrite(u Unit) bool {
	c.lastFrameEnd = u.FrameEnd
	if c.policy.Mode != PerFrame || !u.FrameEnd {
		return false
	}
	c.count++
	if c.count >= c.policy.ratio() {
		c.count = 0
		return true
	}
	return false
}

// StartsUnit reports whether u begins a fresh frame (SingleStream,
// PerFrame) or a fresh GOP (PerGOP). A cancelled flow resumes only on such
// a buffer.
func (c *Counter) StartsUnit(u Unit) bool {
	if c.policy.Mode == PerGOP {
		return u.KeyUnit
	}
	return c.lastFrameEnd
}

// Skip records a buffer that was dropped instead of written, so that frame
// starts are still tracked while a flow is cancelled.
func (c *Counter) Skip(u Unit) {
	c.lastFrameEnd = u.FrameEnd
}

// Reset clears the counter, as after a stream was closed by the peer.
func (c *Counter) Reset() {
	c.count = 0
}
