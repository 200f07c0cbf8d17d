package auth

import (
	"container/list"
	"time"

	"github.com/clarinet-dicom/clarinet/store"
)

// identity is what the cache remembers about one session: the resolved
// user, the session expiry at resolution time and the address the session
// was bound to at login.
type identity struct {
	user      *store.User
	expiresAt time.Time
	ipAddress string
}

type cacheEntry struct {
	token    string
	identity identity
	cachedAt time.Time
}

// identityCache is a TTL+LRU map from session token to resolved identity,
// bounded by entry count. Hits move the entry to the front; inserts beyond
// capacity evict from the back; expired entries are dropped on access.
//
// The cache is not internally synchronized; Service guards it with its own
// mutex since echo handlers run on arbitrary goroutines.
type identityCache struct {
	ttl     time.Duration
	maxSize int

	order *list.List // front = most recently used
	index map[string]*list.Element
}

func newIdentityCache(ttl time.Duration, maxSize int) *identityCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &identityCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// get returns the cached identity for token, refreshing its LRU position.
// Expired entries are evicted and reported as a miss.
func (c *identityCache) get(token string, now time.Time) (identity, bool) {
	elem, ok := c.index[token]
	if !ok {
		return identity{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.Sub(entry.cachedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.index, token)
		return identity{}, false
	}
	c.order.MoveToFront(elem)
	return entry.identity, true
}

// put inserts or replaces the identity for token, evicting the least
// recently used entry when over capacity.
func (c *identityCache) put(token string, id identity, now time.Time) {
	if elem, ok := c.index[token]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.identity = id
		entry.cachedAt = now
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{token: token, identity: id, cachedAt: now})
	c.index[token] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).token)
	}
}

// remove drops the entry for token if present.
func (c *identityCache) remove(token string) {
	if elem, ok := c.index[token]; ok {
		c.order.Remove(elem)
		delete(c.index, token)
	}
}

// len reports the number of cached entries.
func (c *identityCache) len() int {
	return c.order.Len()
}
