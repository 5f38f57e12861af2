package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	name string
	h    Health
}

func (p *fakePeer) Up() *Health { return &p.h }

func TestPick_RotatesAcrossAlivePeers(t *testing.T) {
	peers := []*fakePeer{{name: "a"}, {name: "b"}, {name: "c"}}
	now := time.Now()

	cursor := 0
	var order []string
	for i := 0; i < 6; i++ {
		p, ok := Pick(now, &cursor, peers)
		require.True(t, ok)
		order = append(order, p.name)
	}
	assert.Equal(t, []string{"b", "c", "a", "b", "c", "a"}, order)
}

func TestPick_PrefersHigherPriority(t *testing.T) {
	peers := []*fakePeer{{name: "low"}, {name: "high"}}
	peers[1].h.Priority = 10
	now := time.Now()

	cursor := 0
	for i := 0; i < 4; i++ {
		p, ok := Pick(now, &cursor, peers)
		require.True(t, ok)
		assert.Equal(t, "high", p.name)
	}
}

func TestPick_SkipsDeadPeers(t *testing.T) {
	peers := []*fakePeer{{name: "a"}, {name: "b"}}
	now := time.Now()
	pol := DefaultPolicy()

	for i := 0; i < pol.MaxErrors; i++ {
		peers[0].h.Fail(now, pol)
	}
	require.False(t, peers[0].h.Alive(now))

	cursor := 0
	for i := 0; i < 3; i++ {
		p, ok := Pick(now, &cursor, peers)
		require.True(t, ok)
		assert.Equal(t, "b", p.name)
	}
}

func TestPick_RevivesWhenAllDead(t *testing.T) {
	peers := []*fakePeer{{name: "a"}, {name: "b"}}
	now := time.Now()
	pol := DefaultPolicy()

	for _, p := range peers {
		for i := 0; i < pol.MaxErrors; i++ {
			p.h.Fail(now, pol)
		}
		require.False(t, p.h.Alive(now))
	}

	cursor := 0
	p, ok := Pick(now, &cursor, peers)
	require.True(t, ok)
	assert.Equal(t, "a", p.name)
	assert.True(t, peers[1].h.Alive(now), "revival clears every peer")
}

func TestPick_EmptySet(t *testing.T) {
	cursor := 0
	_, ok := Pick(time.Now(), &cursor, []*fakePeer(nil))
	assert.False(t, ok)
}

func TestHealth_ErrorWindow(t *testing.T) {
	var h Health
	pol := DefaultPolicy()
	now := time.Now()

	// Errors spread wider than the window never accumulate.
	for i := 0; i < pol.MaxErrors*2; i++ {
		h.Fail(now, pol)
		now = now.Add(pol.ErrorWindow + time.Second)
	}
	assert.True(t, h.Alive(now))

	// A burst within the window kills the peer.
	for i := 0; i < pol.MaxErrors; i++ {
		h.Fail(now, pol)
	}
	assert.False(t, h.Alive(now))

	// The peer revives after DeadTime.
	assert.True(t, h.Alive(now.Add(pol.DeadTime+time.Second)))
}

func TestHealth_OKResetsCount(t *testing.T) {
	var h Health
	pol := DefaultPolicy()
	now := time.Now()

	for i := 0; i < pol.MaxErrors-1; i++ {
		h.Fail(now, pol)
	}
	h.OK()
	for i := 0; i < pol.MaxErrors-1; i++ {
		h.Fail(now, pol)
	}
	assert.True(t, h.Alive(now), "count must restart after OK")
}
