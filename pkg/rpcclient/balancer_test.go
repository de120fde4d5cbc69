package rpcclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/discovery"
)

func instances(addrs ...string) []discovery.ServiceInstance {
	out := make([]discovery.ServiceInstance, len(addrs))
	for i, a := range addrs {
		out[i] = discovery.ServiceInstance{Address: a, Weight: 1}
	}

	return out
}

func TestBalancer_RandomPicksAmongCandidates(t *testing.T) {
	b := NewBalancer(Random)
	pool := instances("a:1", "b:1", "c:1")

	inst, ok := b.Pick("svc", pool, "", "")
	require.True(t, ok)
	assert.Contains(t, []string{"a:1", "b:1", "c:1"}, inst.Address)
}

func TestBalancer_ExcludesFailedInstanceOnRetry(t *testing.T) {
	b := NewBalancer(Random)
	pool := instances("a:1", "b:1")

	for i := 0; i < 20; i++ {
		inst, ok := b.Pick("svc", pool, "", "a:1")
		require.True(t, ok)
		assert.Equal(t, "b:1", inst.Address)
	}
}

func TestBalancer_ExcludeFallsBackWhenAllCandidatesExcluded(t *testing.T) {
	b := NewBalancer(Random)
	pool := instances("a:1")

	inst, ok := b.Pick("svc", pool, "", "a:1")
	require.True(t, ok)
	assert.Equal(t, "a:1", inst.Address)
}

func TestBalancer_WeightedRandomFavorsHigherWeight(t *testing.T) {
	b := NewBalancer(WeightedRandom)
	pool := []discovery.ServiceInstance{
		{Address: "heavy:1", Weight: 99},
		{Address: "light:1", Weight: 1},
	}

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		inst, ok := b.Pick("svc", pool, "", "")
		require.True(t, ok)
		counts[inst.Address]++
	}

	assert.Greater(t, counts["heavy:1"], counts["light:1"])
}

func TestBalancer_ConsistentHashIsStickyPerRoutingKey(t *testing.T) {
	b := NewBalancer(ConsistentHash)
	pool := instances("a:1", "b:1", "c:1")

	first, ok := b.Pick("svc", pool, "player-42", "")
	require.True(t, ok)

	for i := 0; i < 100; i++ {
		inst, ok := b.Pick("svc", pool, "player-42", "")
		require.True(t, ok)
		assert.Equal(t, first.Address, inst.Address)
	}
}

func TestBalancer_NoCandidatesReturnsFalse(t *testing.T) {
	b := NewBalancer(Random)

	_, ok := b.Pick("svc", nil, "", "")
	assert.False(t, ok)
}
