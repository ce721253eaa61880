package optimizer

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// DefaultPlanCacheEntries is the default plan-cache capacity. The cache
// evicts the least recently used entry when full; it is not a circular
// buffer.
const DefaultPlanCacheEntries = 1000

// PlanCacheKey identifies one cached physical plan: a canonicalized
// logical-plan hash, the parameter-type signature, and the statistics
// snapshot id current when the plan was built.
type PlanCacheKey struct {
	PlanHash   string
	ParamTypes string
	SnapshotID uuid.UUID
}

func (k PlanCacheKey) cacheKeyString() string {
	return k.PlanHash + "|" + k.ParamTypes + "|" + k.SnapshotID.String()
}

// HashLogicalPlan canonicalizes a logical plan's shape into a stable
// string for use as PlanCacheKey.PlanHash. Two syntactically different
// but semantically identical ASTs (e.g. differing only in literal
// constants already folded away) hash the same.
func HashLogicalPlan(n *Node) string {
	h := sha256.New()
	var walk func(*Node)
	walk = func(x *Node) {
		if x == nil {
			h.Write([]byte("nil;"))
			return
		}
		h.Write([]byte(x.Table))
		h.Write([]byte{byte(x.Kind), byte(x.Access), byte(x.JoinAlgo)})
		for _, c := range x.Children {
			walk(c)
		}
	}
	walk(n)
	return hex.EncodeToString(h.Sum(nil))
}

// CacheEntry is a cached physical plan plus its estimated cost.
type CacheEntry struct {
	Plan *Node
	Cost Cost
	Key  PlanCacheKey
}

// listEntry pairs a cache key with its entry for O(1) LRU eviction via
// container/list.
type listEntry struct {
	key   string
	entry *CacheEntry
}

// PlanCache is a bounded, thread-safe LRU plan cache keyed by
// (plan hash, param types, stats snapshot id), invalidated wholesale on
// catalog change, index add/drop, or statistics-snapshot replacement.
type PlanCache struct {
	mu         sync.RWMutex
	entries    map[string]*list.Element
	order      *list.List
	maxSize    int
	generation uint64 // bumped by Invalidate; stale entries are skipped lazily
	entryGen   map[string]uint64
}

// NewPlanCache returns a PlanCache with the given capacity (0 = default).
func NewPlanCache(maxSize int) *PlanCache {
	if maxSize <= 0 {
		maxSize = DefaultPlanCacheEntries
	}
	return &PlanCache{
		entries:  make(map[string]*list.Element, maxSize),
		order:    list.New(),
		maxSize:  maxSize,
		entryGen: make(map[string]uint64),
	}
}

// Get returns the cached entry for key, or (nil, false) if absent or
// invalidated since insertion.
func (c *PlanCache) Get(key PlanCacheKey) (*CacheEntry, bool) {
	ks := key.cacheKeyString()
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[ks]
	if !ok {
		return nil, false
	}
	if c.entryGen[ks] != c.generation {
		c.order.Remove(elem)
		delete(c.entries, ks)
		delete(c.entryGen, ks)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*listEntry).entry, true
}

// Put inserts or replaces the cached plan for key, evicting the least
// recently used entry if the cache is at capacity.
func (c *PlanCache) Put(key PlanCacheKey, plan *Node) {
	ks := key.cacheKeyString()
	entry := &CacheEntry{Plan: plan, Cost: plan.EstCost, Key: key}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[ks]; ok {
		elem.Value.(*listEntry).entry = entry
		c.order.MoveToFront(elem)
		c.entryGen[ks] = c.generation
		return
	}
	if c.order.Len() >= c.maxSize {
		tail := c.order.Back()
		if tail != nil {
			c.order.Remove(tail)
			tk := tail.Value.(*listEntry).key
			delete(c.entries, tk)
			delete(c.entryGen, tk)
		}
	}
	elem := c.order.PushFront(&listEntry{key: ks, entry: entry})
	c.entries[ks] = elem
	c.entryGen[ks] = c.generation
}

// Invalidate bumps the cache generation, lazily discarding every entry on
// next access without an O(n) sweep.
func (c *PlanCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Remove evicts a specific key immediately, used by the adaptive feedback
// loop to drop a single mis-estimated plan without invalidating the whole
// cache.
func (c *PlanCache) Remove(key PlanCacheKey) {
	ks := key.cacheKeyString()
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[ks]
	if !ok {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, ks)
	delete(c.entryGen, ks)
}

// Size returns the number of live (non-stale) entries currently cached.
func (c *PlanCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for ks := range c.entries {
		if c.entryGen[ks] == c.generation {
			n++
		}
	}
	return n
}
