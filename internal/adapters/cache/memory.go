package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 64

	// DefaultMaxEntries bounds the L1 so a large batch cannot grow it without limit.
	DefaultMaxEntries = 100_000
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

// evictOneLocked drops the entry closest to expiry.
func (s *shard) evictOneLocked() {
	var victim string
	var soonest time.Time
	found := false
	for k, e := range s.items {
		if !found || e.expiresAt.Before(soonest) {
			victim, soonest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(s.items, victim)
	}
}

// MemoryCache is a sharded in-process TTL cache. It is the L1 in front of
// Redis for enrichment results.
type MemoryCache struct {
	shards   [shardCount]*shard
	perShard int
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// MemoryOption tunes NewMemoryCache.
type MemoryOption func(*MemoryCache)

// WithMaxEntries caps the total number of entries, spread across shards.
func WithMaxEntries(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.perShard = max(1, n/shardCount)
		}
	}
}

// NewMemoryCache starts an expiration sweep every cleanupEvery (default 5m).
// Call Close to stop it.
func NewMemoryCache(cleanupEvery time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		perShard: DefaultMaxEntries / shardCount,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if cleanupEvery <= 0 {
		cleanupEvery = 5 * time.Minute
	}
	go c.sweepEvery(cleanupEvery)
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns (nil, false) if the key is missing or expired.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.data, true
}

// Set stores data until ttl elapses. A full shard evicts its soonest-expiring entry.
func (c *MemoryCache) Set(key string, data []byte, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists && len(s.items) >= c.perShard {
		s.evictOneLocked()
	}
	s.items[key] = entry{data: data, expiresAt: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts live and not yet collected entries.
func (c *MemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweepEvery(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Cleanup deletes every expired entry.
func (c *MemoryCache) Cleanup() {
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}
