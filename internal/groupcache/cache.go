// Package groupcache is a TTL-bounded, in-memory cache of group metadata
// snapshots. Entries are independent per group, not persisted, and rebuilt
// from wire queries on miss.
package groupcache

import (
	"sync"
	"time"

	"wacast/internal/transport"
)

// DefaultTTL bounds how long a metadata snapshot is served before the next
// access goes back to the wire.
const DefaultTTL = 5 * time.Minute

type entry struct {
	meta      *transport.GroupMetadata
	expiresAt time.Time
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	now func() time.Time // overridable in tests
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached snapshot for groupID, or nil after expiry or
// before the first Set. Expired entries are dropped on access.
func (c *Cache) Get(groupID string) *transport.GroupMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[groupID]
	if !ok {
		return nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, groupID)
		return nil
	}
	return e.meta
}

// Set stores a snapshot and resets its TTL.
func (c *Cache) Set(groupID string, meta *transport.GroupMetadata) {
	if groupID == "" || meta == nil {
		return
	}
	c.mu.Lock()
	c.entries[groupID] = entry{meta: meta, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Evict drops all entries expired at the given instant and reports how
// many were removed. The janitor calls this so idle groups don't retain
// memory between accesses.
func (c *Cache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
