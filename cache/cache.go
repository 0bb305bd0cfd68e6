// Package cache is a keyed, tag-grouped memoization store with TTLs, bulk
// eviction by tag, and a debounce primitive for rate-limiting job runs.
//
// The cache is advisory: a miss must never produce a different answer than
// a hit, so values are always derivable from the Store or filesystem.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 1024

// maxTTL bounds how long any entry may live in the underlying LRU. Entries
// carry their own (shorter) deadline, checked at read time.
const maxTTL = time.Hour

type entry struct {
	value     []byte
	expiresAt time.Time
	tag       string
}

// Cache is safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	lru  *expirable.LRU[string, entry]
	tags map[string]map[string]struct{}
}

func New() *Cache {
	var c = &Cache{tags: make(map[string]map[string]struct{})}
	c.lru = expirable.NewLRU[string, entry](defaultSize, c.onEvict, maxTTL)
	return c
}

// onEvict runs under c.mu for explicit removes; LRU-capacity evictions also
// call it, so it must only touch the tag index.
func (c *Cache) onEvict(key string, e entry) {
	if e.tag == "" {
		return
	}
	if keys, ok := c.tags[e.tag]; ok {
		delete(keys, key)
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.SetTagged(key, value, ttl, "")
}

// SetTagged stores value under key for ttl, grouped under tag for bulk
// eviction.
func (c *Cache) SetTagged(key string, value []byte, ttl time.Duration, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl), tag: tag})
	if tag != "" {
		if c.tags[tag] == nil {
			c.tags[tag] = make(map[string]struct{})
		}
		c.tags[tag][key] = struct{}{}
	}
}

// EvictTag removes every entry stored under tag.
func (c *Cache) EvictTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.tags[tag] {
		c.lru.Remove(key)
	}
	delete(c.tags, tag)
}

// Debounce reports whether `name` was already seen within `window`.
// The first call in a window returns false and arms the window.
func (c *Cache) Debounce(name string, window time.Duration) bool {
	var key = "debounce:" + name
	if _, hit := c.Get(key); hit {
		return true
	}
	c.Set(key, []byte{1}, window)
	return false
}

// Memoized returns the cached value for key, or computes it with fn and
// caches the result under tag for ttl. Errors are not cached.
func Memoized(c *Cache, key string, ttl time.Duration, tag string, fn func() ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	var value, err = fn()
	if err != nil {
		return nil, err
	}
	c.SetTagged(key, value, ttl, tag)
	return value, nil
}
