// Package dedup implements a time-bounded duplicate-message guard.
//
// Message ids are sender-local monotonic counters, so the pair
// (sender address, id) identifies a transmission well enough to suppress
// duplicates caused by peer retries. The guard is advisory: legacy peers
// send no id (id zero), and those messages always pass.
//
// Entries expire so memory stays bounded; a duplicate only needs to be
// caught while a retry could plausibly still be in flight.
package dedup

import (
	"sync"
	"time"
)

// DefaultExpiry comfortably covers the send-side timeout window.
const DefaultExpiry = 60 * time.Second

type key struct {
	addr string
	id   uint32
}

// Cache is a concurrent-safe seen-message store.
type Cache struct {
	mu      sync.Mutex
	entries map[key]time.Time
	expiry  time.Duration
}

// New creates a Cache with the given entry lifetime.
func New(expiry time.Duration) *Cache {
	return &Cache{
		entries: make(map[key]time.Time),
		expiry:  expiry,
	}
}

// Seen records (addr, id) and reports whether it was already present and
// unexpired. Id zero is the legacy id-less form and is never deduplicated.
func (c *Cache) Seen(addr string, id uint32) bool {
	if id == 0 {
		return false
	}
	now := time.Now()
	k := key{addr, id}

	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[k]; ok && now.Before(exp) {
		return true
	}
	c.entries[k] = now.Add(c.expiry)
	c.maybeReap(now)
	return false
}

// Len returns the current number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// maybeReap sweeps expired entries once the map has grown enough to be
// worth the walk. Called with c.mu held.
func (c *Cache) maybeReap(now time.Time) {
	if len(c.entries) < 1024 {
		return
	}
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
}
