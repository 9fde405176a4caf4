// Package imagecache provides the in-memory LRU cache of decoded
// bitmaps the GUI queries. Bounded by a byte budget, not an item count,
// since decoded image sizes vary widely.
package imagecache

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/yaleman/memesync/internal/decode"
	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
)

type cacheEntry struct {
	id  string
	img *decode.DecodedImage
}

// Cache is a byte-budget LRU of decoded images. All access is
// serialized under one mutex so recency order and the byte counter
// never diverge.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	size    int64
	entries map[string]*list.Element
	order   *list.List // front = most recent
}

// New creates a cache with the given memory budget in bytes.
func New(budget int64) *Cache {
	return &Cache{
		budget:  budget,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the decoded image for an id, refreshing its recency.
func (c *Cache) Get(id string) (*decode.DecodedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		metrics.RecordCacheMiss()
		return nil, false
	}

	c.order.MoveToFront(elem)
	metrics.RecordCacheHit()
	return elem.Value.(*cacheEntry).img, true
}

// Put inserts or replaces the decoded image for an id and refreshes
// its recency. Eviction runs immediately: least-recent entries are
// removed until the cache is back under budget or only the entry just
// inserted remains.
func (c *Cache) Put(id string, img *decode.DecodedImage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		old := elem.Value.(*cacheEntry)
		c.size -= old.img.SizeBytes
		old.img = img
		c.size += img.SizeBytes
		c.order.MoveToFront(elem)
	} else {
		elem := c.order.PushFront(&cacheEntry{id: id, img: img})
		c.entries[id] = elem
		c.size += img.SizeBytes
	}

	c.evictLocked(c.budget, true)
	metrics.SetCacheResidentBytes(c.size)
}

// Remove drops an id from the cache, if present.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return
	}
	c.size -= elem.Value.(*cacheEntry).img.SizeBytes
	c.order.Remove(elem)
	delete(c.entries, id)
	metrics.SetCacheResidentBytes(c.size)
}

// EvictTo evicts least-recent entries until resident bytes are at or
// under the given budget.
func (c *Cache) EvictTo(budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(budget, false)
	metrics.SetCacheResidentBytes(c.size)
}

// evictLocked removes entries in ascending recency order until size is
// under budget. With keepNewest set, the most recent entry survives
// even if it alone exceeds the budget. Must be called with the lock held.
func (c *Cache) evictLocked(budget int64, keepNewest bool) {
	evicted := 0
	for c.size > budget && c.order.Len() > 0 {
		if keepNewest && c.order.Len() == 1 {
			break
		}
		back := c.order.Back()
		entry := back.Value.(*cacheEntry)
		c.size -= entry.img.SizeBytes
		c.order.Remove(back)
		delete(c.entries, entry.id)
		evicted++
	}
	if evicted > 0 {
		metrics.RecordCacheEviction(evicted)
		logging.Debug("evicted decoded images",
			zap.Int("count", evicted),
			zap.Int64("resident", c.size))
	}
}

// Resident returns the current resident byte count.
func (c *Cache) Resident() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Budget returns the configured byte budget.
func (c *Cache) Budget() int64 {
	return c.budget
}
