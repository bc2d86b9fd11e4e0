// Package cache provides a TTL cache for worker context payloads.
// Building context for a request is the expensive part of the pipeline,
// so recently fetched product and sprint snapshots are kept in memory
// for a short window and invalidated when the underlying data changes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a context entry stays fresh.
	DefaultTTL = 5 * time.Minute

	// sweepInterval is how often the janitor removes expired entries.
	sweepInterval = time.Minute
)

// Entry is a cached context payload with its expiry.
type Entry struct {
	Key       string
	Value     any
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Sets    uint64
	Evicted uint64
	Entries int
}

// Cache is a thread-safe TTL cache keyed by context kind and identity.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration

	hits    uint64
	misses  uint64
	sets    uint64
	evicted uint64

	stop chan struct{}
	once sync.Once

	now func() time.Time
}

// New creates a cache with the given TTL and starts the sweep janitor.
// A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.janitor()
	return c
}

// Key builds a deterministic cache key from the context kind, the entity
// identity, and any extra parameters. Parameter order does not matter.
func Key(kind, id string, params map[string]string) string {
	if len(params) == 0 {
		return kind + ":" + id
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return kind + ":" + id + ":" + hex.EncodeToString(sum[:8])
}

// Get returns the cached value for key, or nil and false when absent
// or expired. Expired entries are removed on access.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		recordMiss()
		return nil, false
	}

	if c.now().After(entry.ExpiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur == entry {
			delete(c.entries, key)
			c.evicted++
		}
		c.misses++
		c.mu.Unlock()
		recordMiss()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	recordHit()
	return entry.Value, true
}

// Set stores a value under key with the cache's TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	c.sets++
	c.mu.Unlock()
	recordSet()
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.evicted++
	}
	c.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used when a product or sprint changes and all derived context for it
// must be refetched.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	c.evicted += uint64(removed)
	return removed
}

// InvalidateProduct removes every entry derived from the given entity id,
// across all context kinds. Keys are kind:id or kind:id:paramhash, so a
// product change clears its product and sprint snapshots in one call.
func (c *Cache) InvalidateProduct(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		parts := strings.SplitN(k, ":", 3)
		if len(parts) >= 2 && parts[1] == id {
			delete(c.entries, k)
			removed++
		}
	}
	c.evicted += uint64(removed)
	return removed
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.evicted += uint64(len(c.entries))
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Sets:    c.sets,
		Evicted: c.evicted,
		Entries: len(c.entries),
	}
}

// Close stops the janitor. The cache remains usable afterwards but
// expired entries are only removed on access.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	for k, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, k)
			c.evicted++
		}
	}
	c.mu.Unlock()
}
