package kdf

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize holds a little over the 64 keys of one device's frame
// for a few hundred devices.
const DefaultCacheSize = 16384

// KeyID identifies one derived key.
type KeyID struct {
	BlockStart uint64
	Level      uint8
	Channel    uint8
	DeviceID   uint32
}

// Cache memoizes DeriveKey. Consecutive frames on a channel share every
// coarse-level block, so most of an encode's 64 derivations hit.
// Safe for concurrent use.
type Cache struct {
	secret Secret
	keys   *lru.Cache[KeyID, Key]
}

// NewCache creates a cache bound to secret. size <= 0 selects
// DefaultCacheSize.
func NewCache(secret Secret, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	keys, err := lru.New[KeyID, Key](size)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Cache{secret: secret, keys: keys}, nil
}

// Key returns the derived key for id, computing it on a miss.
func (c *Cache) Key(id KeyID) Key {
	if k, ok := c.keys.Get(id); ok {
		return k
	}
	k := DeriveKey(c.secret, id.BlockStart, id.Level, id.Channel, id.DeviceID)
	c.keys.Add(id, k)
	return k
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	return c.keys.Len()
}

// Purge drops every cached key.
func (c *Cache) Purge() {
	c.keys.Purge()
}
