package permission

import "sync"

// Hard caps for the engine's growable caches. On overflow the oldest inserted
// entry is evicted and removed from the per-session index so clearSession
// stays O(entries-per-session).
const (
	MaxSessionCaches   = 1024
	MaxConstraintCache = 4096
	MaxObservedCache   = 4096
)

// boundedCache is a FIFO-capped map with a secondary per-session index.
// Keys embed the session ID; the index maps session -> keys for bulk clears.
type boundedCache[V any] struct {
	mu      sync.Mutex
	cap     int
	entries map[string]V
	order   []string          // insertion order for FIFO eviction
	byOwner map[string][]string // session -> keys
	owners  map[string]string   // key -> session
}

func newBoundedCache[V any](capacity int) *boundedCache[V] {
	return &boundedCache[V]{
		cap:     capacity,
		entries: make(map[string]V),
		byOwner: make(map[string][]string),
		owners:  make(map[string]string),
	}
}

func (c *boundedCache[V]) Put(owner, key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.cap {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
		c.owners[key] = owner
		c.byOwner[owner] = append(c.byOwner[owner], key)
	}
	c.entries[key] = value
}

func (c *boundedCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *boundedCache[V]) ClearOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.byOwner[owner] {
		delete(c.entries, key)
		delete(c.owners, key)
	}
	delete(c.byOwner, owner)
	// Lazy removal from order: stale keys are skipped during eviction.
}

func (c *boundedCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *boundedCache[V]) evictOldestLocked() {
	for len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		owner, live := c.owners[key]
		if !live {
			continue // already cleared via ClearOwner
		}
		delete(c.entries, key)
		delete(c.owners, key)
		keys := c.byOwner[owner]
		for i, k := range keys {
			if k == key {
				c.byOwner[owner] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		return
	}
}
