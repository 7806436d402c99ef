// Package cache implements an in-memory, read-through cache: a bounded
// key to bytes store with LRU eviction.
package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	bytes []byte
}

// MemoryCache is a bounded, size-admission LRU cache of byte slices keyed
// by opaque string keys. All operations are safe under concurrent callers.
type MemoryCache struct {
	mu sync.Mutex

	maxEntrySize int64
	maxTotal     int64

	totalBytes int64
	ll         *list.List
	items      map[string]*list.Element
}

// New creates a MemoryCache. maxEntrySize is the per-entry admission cap
// (an entry larger than this is never admitted); maxTotal is the total
// resident-byte budget across all entries.
func New(maxEntrySize, maxTotal int64) *MemoryCache {
	return &MemoryCache{
		maxEntrySize: maxEntrySize,
		maxTotal:     maxTotal,
		ll:           list.New(),
		items:        make(map[string]*list.Element),
	}
}

// Contains reports whether k is present, updating its recency if so.
func (c *MemoryCache) Contains(k string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return false
	}
	c.ll.MoveToFront(el)
	return true
}

// Get returns the bytes stored for k and whether k was present, updating
// its recency if so. The returned slice must not be mutated by the caller.
func (c *MemoryCache) Get(k string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).bytes, true
}

// MaybeAdd admits (k, data) if it fits under the per-entry cap and, after
// evicting LRU entries as needed, under the total-bytes budget. If data
// alone exceeds the total budget, it is rejected silently (no error, no
// eviction of everything else for nothing).
func (c *MemoryCache) MaybeAdd(k string, data []byte) {
	size := int64(len(data))
	if c.maxEntrySize > 0 && size > c.maxEntrySize {
		return
	}
	if size > c.maxTotal {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		old := el.Value.(*entry)
		c.totalBytes -= int64(len(old.bytes))
		c.ll.Remove(el)
		delete(c.items, k)
	}

	for c.totalBytes+size > c.maxTotal && c.ll.Len() > 0 {
		c.evictOldestLocked()
	}

	stored := append([]byte(nil), data...)
	el := c.ll.PushFront(&entry{key: k, bytes: stored})
	c.items[k] = el
	c.totalBytes += size
}

// Delete removes k if present. Idempotent.
func (c *MemoryCache) Delete(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return
	}
	c.totalBytes -= int64(len(el.Value.(*entry).bytes))
	c.ll.Remove(el)
	delete(c.items, k)
}

// evictOldestLocked removes the least-recently-used entry. Caller must
// hold c.mu.
func (c *MemoryCache) evictOldestLocked() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.totalBytes -= int64(len(e.bytes))
	c.ll.Remove(el)
	delete(c.items, e.key)
}
