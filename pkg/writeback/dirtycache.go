package writeback

import (
	"sync"

	"github.com/stonegate/slgcore/pkg/entity"
)

// DirtyCache is the two-level concurrent map from spec.md §3: class ->
// primaryKey -> entity-ref. Insertion happens on submit; removal is
// conditional (value-equals) so a later in-flight mutation replacing the
// same key is never clobbered by the predecessor's completion (the
// "dirty-cache removal race" design note in spec.md §9).
type DirtyCache struct {
	mu sync.RWMutex
	m  map[string]map[string]Row
}

// NewDirtyCache returns an empty cache.
func NewDirtyCache() *DirtyCache {
	return &DirtyCache{m: map[string]map[string]Row{}}
}

// Put inserts or replaces the cached reference for (class, key).
func (c *DirtyCache) Put(class, key string, row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.m[class]
	if !ok {
		bucket = map[string]Row{}
		c.m[class] = bucket
	}

	bucket[key] = row
}

// RemoveIfSame deletes (class, key) only if the currently-cached reference
// is still ref (CAS-style guard against removing a fresher submit).
func (c *DirtyCache) RemoveIfSame(class, key string, ref Row) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.m[class]
	if !ok {
		return
	}

	if cur, ok := bucket[key]; ok && cur == ref {
		delete(bucket, key)
	}
}

// Get returns the cached entity for (class, key), or nil if absent, or nil
// if present but DELETED (tombstone visibility per spec.md §4.3).
func (c *DirtyCache) Get(class, key string) Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, ok := c.m[class]
	if !ok {
		return nil
	}

	row, ok := bucket[key]
	if !ok {
		return nil
	}

	if row.State() == entity.StateDeleted {
		return nil
	}

	return row
}

// GetAllDirty returns every non-DELETED entity cached for class.
func (c *DirtyCache) GetAllDirty(class string) []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket := c.m[class]

	out := make([]Row, 0, len(bucket))

	for _, row := range bucket {
		if row.State() != entity.StateDeleted {
			out = append(out, row)
		}
	}

	return out
}

// Size returns the total number of cached entries across all classes,
// exposed as a gauge metric (spec.md §4.3 "Metrics exposed").
func (c *DirtyCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, bucket := range c.m {
		n += len(bucket)
	}

	return n
}
