// Package flowid manages RTP-over-QUIC flow identifiers.
//
// A flow id is a varint that prefixes every unit and tells the receiver which
// RTP session the unit belongs to. Within one connection each id has at most
// one holder. The Registry enforces that; Binding pairs an RTP flow id with
// its RTCP companion, which is RTP+1 unless set explicitly.
package flowid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// ID is an RTP-over-QUIC flow identifier.
type ID uint64

// MaxID is the largest flow id the registry hands out, one below the varint
// limit.
const MaxID ID = (1 << 62) - 2

// Auto asks for automatic allocation (Registry, Binding) or for learning the
// id from the first packet (receive side).
const Auto ID = ^ID(0)

// DefaultMaxAttempts bounds random sampling during automatic allocation.
const DefaultMaxAttempts = 64

// String renders the id, or "auto" for Auto.
func (id ID) String() string {
	if id == Auto {
		return "auto"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// IsAuto reports whether id is the Auto sentinel.
func (id ID) IsAuto() bool {
	return id == Auto
}

// RandomSource produces candidate ids for automatic allocation.
type RandomSource func() (uint64, error)

// CryptoRandom draws candidates from crypto/rand.
func CryptoRandom() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to read random flow id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithRandomSource replaces the candidate generator.
func WithRandomSource(src RandomSource) Option {
	return func(r *Registry) {
		if src != nil {
			r.random = src
		}
	}
}

// WithMaxAttempts sets the number of random candidates tried before
// automatic allocation gives up with ErrExhausted.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithUpperBound restricts automatic allocation to [0, bound]. Explicit
// requests may still use any id up to MaxID.
func WithUpperBound(bound ID) Option {
	return func(r *Registry) {
		if bound <= MaxID {
			r.bound = bound
		}
	}
}

// Registry tracks which flow ids are held on one connection. It is safe for
// concurrent use and is meant to be shared by every multiplexer of the
// connection.
type Registry struct {
	mu          sync.Mutex
	used        map[ID]struct{}
	random      RandomSource
	maxAttempts int
	bound       ID
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		used:        make(map[ID]struct{}),
		random:      CryptoRandom,
		maxAttempts: DefaultMaxAttempts,
		bound:       MaxID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate reserves a flow id. With Auto a free id is chosen at random;
// otherwise the requested id is reserved or ErrInUse is returned.
func (r *Registry) Allocate(requested ID) (ID, error) {
	return r.allocate(requested, nil)
}

// allocate is Allocate with the ids in own treated as free. The caller
// already holds them and keeps holding whichever one is returned.
func (r *Registry) allocate(requested ID, own []ID) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := func(id ID) bool {
		_, held := r.used[id]
		return held && !slices.Contains(own, id)
	}

	if requested != Auto {
		if requested > MaxID {
			return 0, fmt.Errorf("%w: %d", ErrOutOfRange, uint64(requested))
		}
		if taken(requested) {
			return 0, fmt.Errorf("%w: %d", ErrInUse, uint64(requested))
		}
		r.used[requested] = struct{}{}
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Allocate",
			"flow_id":  uint64(requested),
		}).Debug("Reserved requested flow id")
		return requested, nil
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		raw, err := r.random()
		if err != nil {
			return 0, err
		}
		candidate := ID(raw % (uint64(r.bound) + 1))
		if taken(candidate) {
			continue
		}
		r.used[candidate] = struct{}{}
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Allocate",
			"flow_id":  uint64(candidate),
			"attempts": attempt + 1,
		}).Debug("Allocated flow id")
		return candidate, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Allocate",
		"in_use":   len(r.used),
		"attempts": r.maxAttempts,
	}).Warn("Flow id allocation exhausted")
	return 0, fmt.Errorf("%w: no free id after %d attempts", ErrExhausted, r.maxAttempts)
}

// Retire releases id. Retiring an id that is not held is a no-op.
func (r *Registry) Retire(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, id)
}

// InUse reports whether id is currently held.
func (r *Registry) InUse(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.used[id]
	return held
}

// Len returns the number of held ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

// All returns the held ids in ascending order.
func (r *Registry) All() []ID {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.used))
	for id := range r.used {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
