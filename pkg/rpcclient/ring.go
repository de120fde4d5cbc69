package rpcclient

import (
	"crypto/md5" //nolint:gosec // consistent-hash placement, not a security boundary
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// virtualNodesPerReal and ringCacheCap are spec.md §4.5's exact consistent-
// hash parameters: "40 virtual nodes per real node grouped in 4-byte
// slices" and "an LRU-approximate ring cache caps at 1000 entries, evicting
// half when full".
const (
	virtualNodesPerReal = 40
	ringCacheCap        = 1000
)

// hashRing places a set of addresses on the MD5 ring and resolves a key to
// the nearest node clockwise.
type hashRing struct {
	points []uint32
	owners map[uint32]string
}

// buildRing hashes each address into virtualNodesPerReal points, each point
// derived from a 4-byte slice of the MD5 digest of "<addr>-<vnode>"
// (spec.md §4.5: "grouped in 4-byte slices").
func buildRing(addrs []string) *hashRing {
	r := &hashRing{owners: map[uint32]string{}}

	for _, addr := range addrs {
		for v := 0; v < virtualNodesPerReal; v++ {
			sum := md5.Sum([]byte(addr + "-" + strconv.Itoa(v))) //nolint:gosec
			for i := 0; i+4 <= len(sum); i += 4 {
				point := binary.BigEndian.Uint32(sum[i : i+4])
				r.points = append(r.points, point)
				r.owners[point] = addr
			}
		}
	}

	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })

	return r
}

// pick returns the owning address of the first ring point at or after
// hash(key), wrapping around to the first point.
func (r *hashRing) pick(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}

	sum := md5.Sum([]byte(key)) //nolint:gosec
	h := binary.BigEndian.Uint32(sum[:4])

	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	return r.owners[r.points[idx]], true
}

// ringCache memoizes key -> address resolutions on top of a hashRing,
// approximating an LRU via hashicorp/golang-lru/v2 but with the spec's own
// eviction policy (evict half, not one, when full) layered on top of it.
type ringCache struct {
	mu         sync.Mutex
	ring       *hashRing
	lru        *lru.Cache[string, string]
	membership string
}

func newRingCache() *ringCache {
	c, _ := lru.New[string, string](ringCacheCap)
	return &ringCache{lru: c}
}

// rebuild replaces the ring only if the address set actually changed,
// dropping the resolution cache in that case — rebuilding on every call
// would defeat the consistent-hash stickiness spec.md §8 scenario 5 tests.
func (c *ringCache) rebuild(addrs []string) {
	key := membershipKey(addrs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if key == c.membership && c.ring != nil {
		return
	}

	c.membership = key
	c.ring = buildRing(addrs)
	c.lru.Purge()
}

func membershipKey(addrs []string) string {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)

	out := ""
	for _, a := range sorted {
		out += a + ","
	}

	return out
}

// resolve returns the cached address for key, filling (and evicting if
// necessary) on a miss.
func (c *ringCache) resolve(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring == nil {
		return "", false
	}

	if addr, ok := c.lru.Get(key); ok {
		return addr, true
	}

	addr, ok := c.ring.pick(key)
	if !ok {
		return "", false
	}

	if c.lru.Len() >= ringCacheCap {
		c.evictHalf()
	}

	c.lru.Add(key, addr)

	return addr, true
}

// evictHalf drops the oldest half of entries rather than the single oldest
// entry a plain LRU would, per spec.md §4.5.
func (c *ringCache) evictHalf() {
	n := c.lru.Len() / 2
	for i := 0; i < n; i++ {
		c.lru.RemoveOldest()
	}
}
