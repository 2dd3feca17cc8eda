package toolreg

import (
	"sync"
	"sync/atomic"
	"time"
)

// PolicyCache is a TTL-based in-memory cache with stale-while-revalidate for
// tool policies. Uses sync.Map for lock-free reads on the hot path.
type PolicyCache struct {
	store sync.Map // map[string]*policyCacheEntry
	ttl   time.Duration
}

type policyCacheEntry struct {
	policy     *ToolPolicy // nil = negative cache (no policy registered)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Policy       *ToolPolicy // nil if not found or negative cache
	Hit          bool        // true if a value was found (fresh or stale)
	NeedsRefresh bool        // true if expired — caller should refresh in background
}

// NewPolicyCache creates a cache with the given TTL.
func NewPolicyCache(ttl time.Duration) *PolicyCache {
	return &PolicyCache{ttl: ttl}
}

func cacheKey(projectID, toolName string) string {
	return projectID + ":" + toolName
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *PolicyCache) Get(projectID, toolName string) CacheGetResult {
	key := cacheKey(projectID, toolName)
	val, ok := c.store.Load(key)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*policyCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Policy: entry.policy, Hit: true}
	}

	// Stale hit — only one goroutine wins the refresh signal.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Policy:       entry.policy,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a policy with a fresh TTL. Passing nil stores a negative cache
// entry (no policy registered for the tool).
func (c *PolicyCache) Set(projectID, toolName string, policy *ToolPolicy) {
	c.store.Store(cacheKey(projectID, toolName), &policyCacheEntry{
		policy:    policy,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *PolicyCache) Delete(projectID, toolName string) {
	c.store.Delete(cacheKey(projectID, toolName))
}
