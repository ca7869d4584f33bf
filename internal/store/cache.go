package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of objects kept in memory.
const DefaultCacheSize = 128

// Cache provides in-memory caching for objects.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Has(key string) bool
	Remove(key string)
	Clear()
}

// LRUCache evicts the least recently used object once full.
type LRUCache struct {
	lru *lru.Cache[string, []byte]
}

// NewLRUCache creates a cache holding up to size objects.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{lru: c}, nil
}

func (c *LRUCache) Get(key string) ([]byte, bool) { return c.lru.Get(key) }
func (c *LRUCache) Add(key string, value []byte)  { c.lru.Add(key, value) }
func (c *LRUCache) Has(key string) bool           { return c.lru.Contains(key) }
func (c *LRUCache) Remove(key string)             { c.lru.Remove(key) }
func (c *LRUCache) Clear()                        { c.lru.Purge() }
func (c *LRUCache) Len() int                      { return c.lru.Len() }
