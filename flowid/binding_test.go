package flowid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingDerivesRTCP(t *testing.T) {
	r := NewRegistry()
	b, err := NewBinding(r)
	require.NoError(t, err)

	rtp, err := b.SetRTP(10)
	require.NoError(t, err)
	assert.Equal(t, ID(10), rtp)

	rtcp, ok := b.RTCP()
	require.True(t, ok)
	assert.Equal(t, ID(11), rtcp)
	assert.True(t, r.InUse(10))
	assert.True(t, r.InUse(11))

	// Changing the RTP id moves the derived RTCP id along with it.
	_, err = b.SetRTP(20)
	require.NoError(t, err)
	rtcp, _ = b.RTCP()
	assert.Equal(t, ID(21), rtcp)
	assert.False(t, r.InUse(10))
	assert.False(t, r.InUse(11))
	assert.Equal(t, []ID{20, 21}, r.All())
}

func TestBindingExplicitRTCP(t *testing.T) {
	r := NewRegistry()
	b, err := NewBinding(r)
	require.NoError(t, err)

	_, err = b.SetRTP(10)
	require.NoError(t, err)
	_, err = b.SetRTCP(50)
	require.NoError(t, err)
	assert.True(t, b.ExplicitRTCP())
	assert.Equal(t, []ID{10, 50}, r.All())

	// An explicit RTCP id survives RTP changes.
	_, err = b.SetRTP(30)
	require.NoError(t, err)
	rtcp, _ := b.RTCP()
	assert.Equal(t, ID(50), rtcp)
	assert.Equal(t, []ID{30, 50}, r.All())

	// Auto restores the derivation.
	rtcp, err = b.SetRTCP(Auto)
	require.NoError(t, err)
	assert.Equal(t, ID(31), rtcp)
	assert.False(t, b.ExplicitRTCP())
	assert.Equal(t, []ID{30, 31}, r.All())
}

func TestBindingConflicts(t *testing.T) {
	r := NewRegistry()
	_, err := r.Allocate(11)
	require.NoError(t, err)

	b, err := NewBinding(r)
	require.NoError(t, err)

	// 10 is free but its derived RTCP id is not.
	_, err = b.SetRTP(10)
	assert.ErrorIs(t, err, ErrInUse)
	_, ok := b.RTP()
	assert.False(t, ok)
	assert.False(t, r.InUse(10), "failed pair allocation must not leak the RTP id")
}

func TestBindingAutoSkipsBlockedPairs(t *testing.T) {
	r := NewRegistry(WithRandomSource(sequenceSource(4, 8)))
	_, err := r.Allocate(5)
	require.NoError(t, err)

	b, err := NewBinding(r)
	require.NoError(t, err)

	rtp, err := b.SetRTP(Auto)
	require.NoError(t, err)
	assert.Equal(t, ID(8), rtp)
	rtcp, _ := b.RTCP()
	assert.Equal(t, ID(9), rtcp)
	assert.False(t, r.InUse(4))
}

func TestBindingFailedSetKeepsPrevious(t *testing.T) {
	r := NewRegistry()
	b, err := NewBinding(r)
	require.NoError(t, err)
	_, err = b.SetRTP(1)
	require.NoError(t, err)

	_, err = r.Allocate(40)
	require.NoError(t, err)
	_, err = b.SetRTP(40)
	assert.ErrorIs(t, err, ErrInUse)

	rtp, _ := b.RTP()
	rtcp, _ := b.RTCP()
	assert.Equal(t, ID(1), rtp)
	assert.Equal(t, ID(2), rtcp)
}

func TestBindingRelease(t *testing.T) {
	r := NewRegistry()
	b, err := NewBinding(r)
	require.NoError(t, err)
	_, err = b.SetRTP(3)
	require.NoError(t, err)

	b.Release()
	assert.Equal(t, 0, r.Len())
	_, ok := b.RTP()
	assert.False(t, ok)
}

func TestNewBindingNilRegistry(t *testing.T) {
	_, err := NewBinding(nil)
	assert.Error(t, err)
}

func TestBindingRebindsOntoOwnIDs(t *testing.T) {
	tests := []struct {
		name     string
		steps    func(b *Binding) error
		wantRTP  ID
		wantRTCP ID
		wantHeld []ID
	}{
		{
			name: "rtp moves onto its derived rtcp id",
			steps: func(b *Binding) error {
				if _, err := b.SetRTP(10); err != nil {
					return err
				}
				_, err := b.SetRTP(11)
				return err
			},
			wantRTP:  11,
			wantRTCP: 12,
			wantHeld: []ID{11, 12},
		},
		{
			name: "derived rtcp moves onto the old rtp id",
			steps: func(b *Binding) error {
				if _, err := b.SetRTP(10); err != nil {
					return err
				}
				_, err := b.SetRTP(9)
				return err
			},
			wantRTP:  9,
			wantRTCP: 10,
			wantHeld: []ID{9, 10},
		},
		{
			name: "explicit rtcp equal to the derived id can be unset",
			steps: func(b *Binding) error {
				if _, err := b.SetRTP(10); err != nil {
					return err
				}
				if _, err := b.SetRTCP(11); err != nil {
					return err
				}
				_, err := b.SetRTCP(Auto)
				return err
			},
			wantRTP:  10,
			wantRTCP: 11,
			wantHeld: []ID{10, 11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			b, err := NewBinding(r)
			require.NoError(t, err)

			require.NoError(t, tt.steps(b))
			rtp, _ := b.RTP()
			rtcp, _ := b.RTCP()
			assert.Equal(t, tt.wantRTP, rtp)
			assert.Equal(t, tt.wantRTCP, rtcp)
			assert.Equal(t, tt.wantHeld, r.All())
			assert.False(t, b.ExplicitRTCP())
		})
	}
}

func TestBindingMultiplexedRTPAndRTCP(t *testing.T) {
	t.Run("rtcp first", func(t *testing.T) {
		r := NewRegistry()
		b, err := NewBinding(r)
		require.NoError(t, err)

		_, err = b.SetRTCP(7)
		require.NoError(t, err)
		rtp, err := b.SetRTP(7)
		require.NoError(t, err)
		assert.Equal(t, ID(7), rtp)
		assert.Equal(t, []ID{7}, r.All())

		// Moving RTP away keeps the explicit RTCP id.
		_, err = b.SetRTP(3)
		require.NoError(t, err)
		assert.Equal(t, []ID{3, 7}, r.All())

		b.Release()
		assert.Equal(t, 0, r.Len())
	})

	t.Run("rtp first", func(t *testing.T) {
		r := NewRegistry()
		b, err := NewBinding(r)
		require.NoError(t, err)

		_, err = b.SetRTP(7)
		require.NoError(t, err)
		rtcp, err := b.SetRTCP(7)
		require.NoError(t, err)
		assert.Equal(t, ID(7), rtcp)
		assert.True(t, b.ExplicitRTCP())
		assert.Equal(t, []ID{7}, r.All(), "derived id 8 is released")

		rtcp, err = b.SetRTCP(Auto)
		require.NoError(t, err)
		assert.Equal(t, ID(8), rtcp)
		assert.Equal(t, []ID{7, 8}, r.All())
	})

	t.Run("other holders are still refused", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Allocate(7)
		require.NoError(t, err)
		b, err := NewBinding(r)
		require.NoError(t, err)

		_, err = b.SetRTCP(7)
		assert.ErrorIs(t, err, ErrInUse)
	})
}
