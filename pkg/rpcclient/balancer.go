package rpcclient

import (
	"math/rand"

	"github.com/stonegate/slgcore/pkg/discovery"
)

// Strategy selects one of spec.md §4.5's three load-balancing policies.
type Strategy int

const (
	Random Strategy = iota
	WeightedRandom
	ConsistentHash
)

// Balancer picks one instance from candidates for a call keyed by
// serviceKey (and, for consistent hashing, an explicit routing key such as
// a player id).
type Balancer struct {
	strategy Strategy
	rings    map[string]*ringCache // per serviceKey
}

// NewBalancer returns a Balancer using strategy.
func NewBalancer(strategy Strategy) *Balancer {
	return &Balancer{strategy: strategy, rings: map[string]*ringCache{}}
}

// Pick selects one instance. routingKey is only consulted for
// ConsistentHash; excluded, if non-empty, is skipped where possible (used
// by retry to avoid reselecting a just-failed instance).
func (b *Balancer) Pick(serviceKey string, candidates []discovery.ServiceInstance, routingKey string, excluded string) (discovery.ServiceInstance, bool) {
	pool := candidates
	if excluded != "" && len(candidates) > 1 {
		filtered := make([]discovery.ServiceInstance, 0, len(candidates))

		for _, c := range candidates {
			if c.Address != excluded {
				filtered = append(filtered, c)
			}
		}

		if len(filtered) > 0 {
			pool = filtered
		}
	}

	if len(pool) == 0 {
		return discovery.ServiceInstance{}, false
	}

	switch b.strategy {
	case WeightedRandom:
		return b.pickWeighted(pool), true
	case ConsistentHash:
		return b.pickConsistent(serviceKey, pool, routingKey), true
	default:
		return pool[rand.Intn(len(pool))], true //nolint:gosec // load balancing, not security
	}
}

func (b *Balancer) pickWeighted(pool []discovery.ServiceInstance) discovery.ServiceInstance {
	total := 0
	for _, c := range pool {
		w := c.Weight
		if w <= 0 {
			w = 1
		}

		total += w
	}

	pick := rand.Intn(total) //nolint:gosec

	for _, c := range pool {
		w := c.Weight
		if w <= 0 {
			w = 1
		}

		if pick < w {
			return c
		}

		pick -= w
	}

	return pool[len(pool)-1]
}

func (b *Balancer) pickConsistent(serviceKey string, pool []discovery.ServiceInstance, routingKey string) discovery.ServiceInstance {
	ring, ok := b.rings[serviceKey]
	if !ok {
		ring = newRingCache()
		b.rings[serviceKey] = ring
	}

	addrs := make([]string, len(pool))
	byAddr := make(map[string]discovery.ServiceInstance, len(pool))

	for i, c := range pool {
		addrs[i] = c.Address
		byAddr[c.Address] = c
	}

	ring.rebuild(addrs)

	if routingKey == "" {
		return pool[0]
	}

	addr, ok := ring.resolve(routingKey)
	if !ok {
		return pool[0]
	}

	return byAddr[addr]
}
