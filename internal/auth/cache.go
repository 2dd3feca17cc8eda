package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// CallerCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type CallerCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	caller     *CallerContext
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Caller       *CallerContext
	Hit          bool
	NeedsRefresh bool
}

// NewCallerCache creates a cache with the given TTL.
func NewCallerCache(ttl time.Duration) *CallerCache {
	return &CallerCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
func (c *CallerCache) Get(apiKey string) CacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Caller: entry.caller, Hit: true}
	}

	// Stale hit — only one goroutine wins the refresh signal.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Caller:       entry.caller,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a caller context with a fresh TTL.
func (c *CallerCache) Set(apiKey string, caller *CallerContext) {
	c.store.Store(apiKey, &cacheEntry{
		caller:    caller,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *CallerCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
