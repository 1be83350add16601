package bundle

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultIndexCacheSize is the number of index entries retained when no size
// is configured.
const DefaultIndexCacheSize = 10000

type indexKey struct {
	z        int
	row, col int64
}

// IndexCache is a bounded LRU of decoded index entries keyed by
// (zoom, row, col). It is safe for concurrent use.
type IndexCache struct {
	cache *lru.Cache
}

// NewIndexCache returns an IndexCache holding up to size entries. A size
// <= 0 selects DefaultIndexCacheSize.
func NewIndexCache(size int) *IndexCache {
	if size <= 0 {
		size = DefaultIndexCacheSize
	}
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &IndexCache{cache: cache}
}

// Get returns the cached entry of (z, row, col). A hit with Size <= 0 is a
// known absent tile.
func (c *IndexCache) Get(z int, row, col int64) (Entry, bool) {
	if v, ok := c.cache.Get(indexKey{z, row, col}); ok {
		return v.(Entry), true
	}
	return Entry{}, false
}

// Add caches the entry of (z, row, col), evicting the least recently used
// entry when full.
func (c *IndexCache) Add(z int, row, col int64, e Entry) {
	c.cache.Add(indexKey{z, row, col}, e)
}

// Len returns the number of cached entries.
func (c *IndexCache) Len() int { return c.cache.Len() }

// Purge drops every cached entry.
func (c *IndexCache) Purge() { c.cache.Purge() }
