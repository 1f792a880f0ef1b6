package session

import lru "github.com/hashicorp/golang-lru/v2"

// windowCache is the in-memory layer over the durable store. The store
// only depends on this surface, so the eviction policy can be swapped
// without touching persistence.
type windowCache interface {
	Get(key string) ([]Message, bool)
	Add(key string, window []Message)
	Remove(key string)
	Len() int
}

// lruWindowCache bounds memory by evicting the least recently used
// session window.
type lruWindowCache struct {
	inner *lru.Cache[string, []Message]
}

func newLRUWindowCache(size int) (*lruWindowCache, error) {
	if size <= 0 {
		size = 200
	}
	inner, err := lru.New[string, []Message](size)
	if err != nil {
		return nil, err
	}
	return &lruWindowCache{inner: inner}, nil
}

func (c *lruWindowCache) Get(key string) ([]Message, bool) { return c.inner.Get(key) }
func (c *lruWindowCache) Add(key string, window []Message) { c.inner.Add(key, window) }
func (c *lruWindowCache) Remove(key string)                { c.inner.Remove(key) }
func (c *lruWindowCache) Len() int                         { return c.inner.Len() }
