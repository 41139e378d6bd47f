package flowid

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// Binding holds the RTP and RTCP flow ids of one RTP session against a
// Registry. Unless an RTCP id is set explicitly, the RTCP id is RTP+1 and is
// recomputed every time the RTP id changes.
type Binding struct {
	mu           sync.RWMutex
	registry     *Registry
	rtp          ID
	rtcp         ID
	hasRTP       bool
	hasRTCP      bool
	explicitRTCP bool
}

// NewBinding creates a binding that holds nothing yet.
func NewBinding(registry *Registry) (*Binding, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	return &Binding{registry: registry}, nil
}

// SetRTP reserves id (or a random id for Auto) as the RTP flow id and
// releases the previous one. When the RTCP id is derived, RTP+1 is reserved
// too. Ids the binding already holds may be reused, and an explicit RTCP id
// may also serve as the RTP id (RTP and RTCP multiplexed on one flow). On
// error the previous ids are kept.
func (b *Binding) SetRTP(id ID) (ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasRTP && id == b.rtp {
		return id, nil
	}

	old := b.held()
	var (
		rtp, rtcp ID
		err       error
	)
	switch {
	case b.explicitRTCP && b.hasRTCP && id == b.rtcp:
		rtp = id
	case b.explicitRTCP:
		rtp, err = b.registry.Allocate(id)
	default:
		rtp, rtcp, err = b.allocatePair(id, old)
	}
	if err != nil {
		return 0, err
	}

	b.rtp, b.hasRTP = rtp, true
	if !b.explicitRTCP {
		b.rtcp, b.hasRTCP = rtcp, true
	}
	b.retireReplaced(old)

	logrus.WithFields(logrus.Fields{
		"function":      "Binding.SetRTP",
		"rtp_flow_id":   uint64(b.rtp),
		"rtcp_flow_id":  uint64(b.rtcp),
		"explicit_rtcp": b.explicitRTCP,
	}).Debug("RTP flow id bound")
	return rtp, nil
}

// allocatePair reserves an RTP id and its derived RTCP id, treating the ids
// in own as free. With Auto it keeps drawing until both halves are free.
func (b *Binding) allocatePair(id ID, own []ID) (ID, ID, error) {
	attempts := 1
	if id == Auto {
		attempts = b.registry.maxAttempts
	}
	release := func(rtp ID) {
		if !slices.Contains(own, rtp) {
			b.registry.Retire(rtp)
		}
	}

	for i := 0; i < attempts; i++ {
		rtp, err := b.registry.allocate(id, own)
		if err != nil {
			return 0, 0, err
		}
		if rtp == MaxID {
			// RTP+1 would exceed MaxID.
			release(rtp)
			if id != Auto {
				return 0, 0, fmt.Errorf("%w: derived RTCP id for %d", ErrOutOfRange, uint64(rtp))
			}
			continue
		}
		rtcp, err := b.registry.allocate(rtp+1, own)
		if err == nil {
			return rtp, rtcp, nil
		}
		release(rtp)
		if id != Auto || !errors.Is(err, ErrInUse) {
			return 0, 0, fmt.Errorf("derived RTCP flow id: %w", err)
		}
	}
	return 0, 0, fmt.Errorf("%w: no free RTP/RTCP pair after %d attempts", ErrExhausted, attempts)
}

// SetRTCP overrides the RTCP flow id. Auto restores the RTP+1 derivation.
// The RTP id itself is accepted, which multiplexes RTP and RTCP on one flow.
func (b *Binding) SetRTCP(id ID) (ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.held()
	if id == Auto {
		if !b.explicitRTCP {
			return b.rtcp, nil
		}
		var derived ID
		if b.hasRTP {
			var err error
			if derived, err = b.registry.allocate(b.rtp+1, old); err != nil {
				return 0, fmt.Errorf("derived RTCP flow id: %w", err)
			}
		}
		b.explicitRTCP = false
		b.rtcp, b.hasRTCP = derived, b.hasRTP
		b.retireReplaced(old)
		return derived, nil
	}

	if b.hasRTCP && id == b.rtcp {
		b.explicitRTCP = true
		return id, nil
	}
	rtcp := id
	if !b.hasRTP || id != b.rtp {
		var err error
		if rtcp, err = b.registry.Allocate(id); err != nil {
			return 0, err
		}
	}
	b.rtcp, b.hasRTCP = rtcp, true
	b.explicitRTCP = true
	b.retireReplaced(old)

	logrus.WithFields(logrus.Fields{
		"function":     "Binding.SetRTCP",
		"rtcp_flow_id": uint64(rtcp),
		"multiplexed":  b.hasRTP && rtcp == b.rtp,
	}).Debug("Explicit RTCP flow id bound")
	return rtcp, nil
}

// held returns the ids the binding currently holds.
func (b *Binding) held() []ID {
	ids := make([]ID, 0, 2)
	if b.hasRTP {
		ids = append(ids, b.rtp)
	}
	if b.hasRTCP {
		ids = append(ids, b.rtcp)
	}
	return ids
}

// retireReplaced retires the ids of old the binding no longer holds.
func (b *Binding) retireReplaced(old []ID) {
	for _, id := range old {
		if (b.hasRTP && id == b.rtp) || (b.hasRTCP && id == b.rtcp) {
			continue
		}
		b.registry.Retire(id)
	}
}

// RTP returns the RTP flow id and whether one is bound.
func (b *Binding) RTP() (ID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rtp, b.hasRTP
}

// RTCP returns the effective RTCP flow id and whether one is bound.
func (b *Binding) RTCP() (ID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rtcp, b.hasRTCP
}

// ExplicitRTCP reports whether the RTCP id was set explicitly.
func (b *Binding) ExplicitRTCP() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.explicitRTCP
}

// Release retires every id held by the binding.
func (b *Binding) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasRTP {
		b.registry.Retire(b.rtp)
	}
	if b.hasRTCP {
		b.registry.Retire(b.rtcp)
	}
	b.hasRTP, b.hasRTCP = false, false
	b.rtp, b.rtcp = 0, 0
}
