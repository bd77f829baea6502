package policy

import (
	"sync"
	"time"
)

// loader resolves the live published-policy set for a tenant; *Store
// satisfies it. A narrow interface here keeps Cache testable without a
// database.
type loader interface {
	Published(tenantID string) ([]*Policy, error)
}

// Cache is an in-process, per-tenant TTL cache in front of a policy
// Store, so the evaluate worker (pkg/queue) does not hit Postgres on
// every intent. Entries are also invalidated explicitly by Invalidate
// whenever a policy transitions status, so a publish/deprecate/archive
// is visible immediately rather than waiting out the TTL (spec.md §4.2:
// "a newly published policy must apply to the next evaluation, not the
// next cache expiry").
type Cache struct {
	mu      sync.RWMutex
	loader  loader
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	policies []*Policy
	expires  time.Time
}

func NewCache(loader loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{loader: loader, ttl: ttl, entries: make(map[string]cacheEntry)}
}

var _ PolicySource = (*Cache)(nil)

// Published returns a tenant's cached published-policy set, refreshing
// from the loader if the cache entry is missing or stale.
func (c *Cache) Published(tenantID string) ([]*Policy, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.policies, nil
	}

	policies, err := c.loader.Published(tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{policies: policies, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return policies, nil
}

// Invalidate drops a tenant's cached entry so the next Published call
// reloads from the backing store.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry, used by admin/test tooling.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
