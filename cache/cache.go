// Package cache provides a size-bounded LRU used to keep materialized
// partition state between queries.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// Interface is the API consumed by readers.
type Interface[K comparable, V any] interface {
	Put(key K, value V)
	Get(key K) (value V, ok bool)
	Remove(key K) bool
	Clear()
	Len() int
	Weight() int64
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
}

type cacheEntry[K comparable, V any] struct {
	key    K
	value  V
	weight int64
}

// LRU is a fixed-budget least recently used cache. Every entry has a weight
// (1 unless a weigher is given) and the summed weight never exceeds the
// capacity. An entry heavier than the whole capacity is not cached.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int64
	weight    int64
	lruList   *list.List
	items     map[K]*list.Element
	weigher   func(V) int64
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, int] = (*LRU[string, int])(nil)

// NewLRU creates a cache. A capacity <= 0 disables caching. weigher and
// onEvicted may be nil.
func NewLRU[K comparable, V any](capacity int64, weigher func(V) int64, onEvicted func(key K, value V)) *LRU[K, V] {
	if weigher == nil {
		weigher = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		weigher:   weigher,
		onEvicted: onEvicted,
	}
}

func (c *LRU[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, found := c.items[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return value, false
}

// Put adds or replaces a value, evicting least recently used entries until
// the budget is respected.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	w := c.weigher(value)
	if elem, found := c.items[key]; found {
		c.removeElement(elem)
	}
	if w > c.capacity {
		return
	}
	for c.weight+w > c.capacity {
		c.evict()
	}
	elem := c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, weight: w})
	c.items[key] = elem
	c.weight += w
}

// Remove drops key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, found := c.items[key]
	if !found {
		return false
	}
	c.removeElement(elem)
	return true
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Weight returns the summed weight of the cached entries.
func (c *LRU[K, V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// evict removes the least recently used entry. Must be called with c.mu held.
func (c *LRU[K, V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRU[K, V]) removeElement(elem *list.Element) {
	entry := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.items, entry.key)
	c.weight -= entry.weight
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

// Clear removes all entries and resets the metrics.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			entry := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.items = make(map[K]*list.Element)
	c.weight = 0
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate. Useful for expvar.Func.
func (c *LRU[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
