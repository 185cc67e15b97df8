// Package cache is the in-process tier of the cache hierarchy: a bounded,
// thread-safe LRU keyed by query signature, with per-entry TTL and
// subtree invalidation by materialized-path prefix.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/glockpete/Forecastin-sub000/internal/mpath"
)

// DefaultCapacity bounds the cache when the caller passes a non-positive
// capacity. Sized for the expected working set of a 10k-node hierarchy.
const DefaultCapacity = 10000

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// entry is the value stored in the LRU list. Path is the materialized path
// of the entity the cached result belongs to, kept so InvalidatePrefix can
// evict a whole subtree with the codec's segment-boundary test.
type entry struct {
	key       string
	path      string
	value     any
	expiresAt time.Time
}

// LRU is a bounded least-recently-used cache.
//
// Every public operation acquires the mutex exactly once and holds it for a
// single map/list manipulation; nothing under the lock blocks or performs
// I/O. The original system re-acquired its lock per micro-step (lookup,
// then insert, then evict) and measured it as its dominant latency source
// under load; here lookup+insert+evict happen in one critical section, and
// no code path re-enters the lock, so no re-entrant mutex is needed.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recent, back = eviction candidate

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates an LRU bounded to capacity entries. A non-positive capacity
// falls back to DefaultCapacity. A non-positive ttl disables expiry.
func New(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached value for key. Expired entries are removed lazily
// here and count as misses.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := elem.Value.(*entry)
	if !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Put inserts or replaces the value for key. path is the materialized path
// of the entity the value derives from. Lookup, insert and eviction all
// happen under one lock acquisition.
func (c *LRU) Put(key, path string, value any) {
	now := time.Now()
	var expires time.Time
	if c.ttl > 0 {
		expires = now.Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.path = path
		ent.expiresAt = expires
		c.order.MoveToFront(elem)
		return
	}
	if len(c.items) >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(&entry{key: key, path: path, value: value, expiresAt: expires})
}

// Invalidate removes a single key. Missing keys are a no-op.
func (c *LRU) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// InvalidatePrefix evicts every entry whose entity path lies in the subtree
// rooted at pathPrefix. O(n) over resident entries; n is bounded by the
// capacity and the scan touches no I/O.
func (c *LRU) InvalidatePrefix(pathPrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if mpath.HasPrefix(elem.Value.(*entry).path, pathPrefix) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// InvalidateAncestorsOf evicts entries owned by proper ancestors of path.
// A subtree mutation staleness-poisons the ancestor lineage too: ancestor
// descendant lists and counts include the mutated subtree.
func (c *LRU) InvalidateAncestorsOf(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if mpath.IsAncestorPath(elem.Value.(*entry).path, path) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Purge drops every entry. Counters are preserved.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the number of resident entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a consistent snapshot of the counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// removeLocked unlinks elem from both structures. Caller holds c.mu.
func (c *LRU) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.items, ent.key)
	c.order.Remove(elem)
}
