package sstable

import (
	"container/list"
	"sync"
)

// BlockCache is a fixed-capacity LRU cache of decoded data blocks, keyed
// by (table path, block offset). The pack carries no third-party LRU
// library, so this is built directly on container/list, the same way
// the pack's own in-memory structures lean on stdlib containers.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cacheKey struct {
	path   string
	offset uint64
}

type cacheEntry struct {
	key     cacheKey
	entries []blockEntry
}

// NewBlockCache returns a cache holding at most capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &BlockCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

func (c *BlockCache) get(path string, offset uint64) ([]blockEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{path, offset}
	elem, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).entries, true
}

func (c *BlockCache) put(path string, offset uint64, entries []blockEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{path, offset}
	if elem, ok := c.items[k]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*cacheEntry).entries = entries
		return
	}
	elem := c.ll.PushFront(&cacheEntry{key: k, entries: entries})
	c.items[k] = elem
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// DropTable evicts every cached block belonging to path, called when a
// table is unlinked after compaction so stale entries cannot resurface
// if a path is later reused.
func (c *BlockCache) DropTable(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, elem := range c.items {
		if k.path == path {
			c.ll.Remove(elem)
			delete(c.items, k)
		}
	}
}
