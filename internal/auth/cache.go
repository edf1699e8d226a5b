package auth

import (
	"sync"
	"time"
)

// keyCache keeps recently authenticated contexts in process so hot keys
// skip the database. Entries expire lazily on access; there is no sweeper
// because the population is bounded by the number of active keys.
type keyCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]keyItem
}

type keyItem struct {
	uc        *Context
	expiresAt time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &keyCache{ttl: ttl, items: make(map[string]keyItem)}
}

func (c *keyCache) get(key string) (*Context, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.uc, true
}

func (c *keyCache) put(key string, uc *Context) {
	c.mu.Lock()
	c.items[key] = keyItem{uc: uc, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *keyCache) delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
