// Package enforcer carries out policy actions on the endpoint: quarantine
// with scheduled restoration, delete interception, block, and the global USB
// mass-storage state. It exclusively owns the quarantine tracking state and
// the original-content cache; monitors only read through the exported
// methods.
package enforcer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries bounds the original-content cache.
const DefaultCacheEntries = 1000

// ContentCache maps file paths to the bytes observed at first sight of the
// file (baseline scan or file_created). Entries are LRU-evicted above the
// cap, except entries pinned by an in-flight quarantine: those must survive
// until restoration, so they are held outside the LRU.
//
// The cache never refreshes on file_modified; it always holds the original.
type ContentCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, []byte]
	pinned map[string][]byte
}

// NewContentCache creates a cache holding at most maxEntries unpinned
// originals. maxEntries <= 0 uses DefaultCacheEntries.
func NewContentCache(maxEntries int) *ContentCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	// lru.New only fails for a non-positive size.
	c, _ := lru.New[string, []byte](maxEntries)
	return &ContentCache{lru: c, pinned: make(map[string][]byte)}
}

// Put stores the original bytes for path unless an original is already held;
// the first observation wins.
func (c *ContentCache) Put(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[path]; ok {
		return
	}
	if c.lru.Contains(path) {
		return
	}
	c.lru.Add(path, data)
}

// Get returns the cached original bytes for path.
func (c *ContentCache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data, ok := c.pinned[path]; ok {
		return data, true
	}
	return c.lru.Get(path)
}

// Pin moves path's entry out of LRU reach so a pending restoration can rely
// on it. Pinning a path with no cached entry is a no-op.
func (c *ContentCache) Pin(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[path]; ok {
		return
	}
	if data, ok := c.lru.Peek(path); ok {
		c.lru.Remove(path)
		c.pinned[path] = data
	}
}

// Unpin returns a pinned entry to normal LRU management.
func (c *ContentCache) Unpin(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data, ok := c.pinned[path]; ok {
		delete(c.pinned, path)
		c.lru.Add(path, data)
	}
}

// Delete removes path's entry entirely, pinned or not.
func (c *ContentCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, path)
	c.lru.Remove(path)
}

// Len returns the number of cached originals, pinned entries included.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + len(c.pinned)
}
