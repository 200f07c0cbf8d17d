package dicomcache

import (
	"container/list"
	"time"
)

// memoryCache is the TTL+LRU tier over series entries, keyed by
// "<study>/<series>". Not internally synchronized; SeriesCache guards it.
type memoryCache struct {
	ttl     time.Duration
	maxSize int

	order *list.List // front = most recently used
	index map[string]*list.Element
}

type memoryEntry struct {
	key     string
	entry   *Entry
	addedAt time.Time
}

func newMemoryCache(ttl time.Duration, maxSize int) *memoryCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &memoryCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

func (c *memoryCache) get(key string, now time.Time) (*Entry, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	me := elem.Value.(*memoryEntry)
	if c.ttl > 0 && now.Sub(me.addedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.index, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return me.entry, true
}

func (c *memoryCache) put(key string, entry *Entry, now time.Time) {
	if elem, ok := c.index[key]; ok {
		me := elem.Value.(*memoryEntry)
		me.entry = entry
		me.addedAt = now
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&memoryEntry{key: key, entry: entry, addedAt: now})
	c.index[key] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*memoryEntry).key)
	}
}

// peek returns the entry without refreshing its LRU position or checking
// the TTL. Used by the disk persister to flag entries still resident.
func (c *memoryCache) peek(key string) (*Entry, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*memoryEntry).entry, true
}

func (c *memoryCache) clear() {
	c.order.Init()
	c.index = make(map[string]*list.Element)
}

func (c *memoryCache) len() int {
	return c.order.Len()
}
