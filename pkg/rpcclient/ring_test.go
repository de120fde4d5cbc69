package rpcclient

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingCache_StableUnderUnchangedMembership(t *testing.T) {
	addrs := []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000"}

	rc := newRingCache()
	rc.rebuild(addrs)

	first, ok := rc.resolve("player-42")
	assert.True(t, ok)

	for i := 0; i < 1000; i++ {
		rc.rebuild(addrs) // same membership, every call: must not reshuffle

		addr, ok := rc.resolve("player-42")
		assert.True(t, ok)
		assert.Equal(t, first, addr, "consistent-hash routing must stay sticky under a stable member set")
	}
}

func TestRingCache_RebuildsOnMembershipChange(t *testing.T) {
	rc := newRingCache()
	rc.rebuild([]string{"a:1", "b:1", "c:1"})

	before := map[string]string{}
	for i := 0; i < 50; i++ {
		key := "player-" + strconv.Itoa(i)
		addr, _ := rc.resolve(key)
		before[key] = addr
	}

	rc.rebuild([]string{"a:1", "b:1", "c:1", "d:1"}) // membership changed

	changed := false

	for key, addr := range before {
		newAddr, _ := rc.resolve(key)
		if newAddr != addr {
			changed = true
			break
		}
	}

	assert.True(t, changed, "adding a node should remap at least one existing key")
}

func TestRingCache_EvictsHalfWhenFull(t *testing.T) {
	rc := newRingCache()
	rc.rebuild([]string{"a:1", "b:1"})

	for i := 0; i < ringCacheCap; i++ {
		rc.resolve("key-" + strconv.Itoa(i))
	}

	assert.Equal(t, ringCacheCap, rc.lru.Len())

	rc.resolve("key-overflow")

	assert.Less(t, rc.lru.Len(), ringCacheCap, "inserting past capacity should trigger the evict-half policy")
}

func TestBuildRing_DistributesAcrossVirtualNodes(t *testing.T) {
	ring := buildRing([]string{"a:1", "b:1"})
	assert.Len(t, ring.points, 2*virtualNodesPerReal*4)
}

func TestHashRing_PickIsDeterministic(t *testing.T) {
	ring := buildRing([]string{"a:1", "b:1", "c:1"})

	addr1, ok1 := ring.pick("player-7")
	addr2, ok2 := ring.pick("player-7")

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, addr1, addr2)
}
