package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// KeyCache holds AES-128 content keys by key URI so that a rendition
// switch or a live reload does not refetch a key the session already has.
// Entries expire a fixed time after being written.
type KeyCache struct {
	keys *otter.Cache[string, [16]byte]
}

// NewKeyCache creates and returns a new KeyCache bounded to size entries.
//
// Parameters:
//   - size: maximum number of keys kept
//   - ttl: how long a key stays valid after it was stored
//
// Returns:
//   - *KeyCache: pointer to a new KeyCache
func NewKeyCache(size int, ttl time.Duration) *KeyCache {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &KeyCache{
		keys: otter.Must(&otter.Options[string, [16]byte]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, [16]byte](ttl),
		}),
	}
}

// Get returns the key stored for uri, if present and not expired.
func (c *KeyCache) Get(uri string) ([16]byte, bool) {
	return c.keys.GetIfPresent(uri)
}

// Set stores key under uri.
func (c *KeyCache) Set(uri string, key [16]byte) {
	c.keys.Set(uri, key)
}

// Invalidate drops the key stored for uri.
func (c *KeyCache) Invalidate(uri string) {
	c.keys.Invalidate(uri)
}
