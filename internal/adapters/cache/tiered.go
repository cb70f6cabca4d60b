package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
)

// maxL1TTL keeps the in-process copy short so other nodes' writes show up.
const maxL1TTL = 10 * time.Minute

// TieredCache implements ports.EnrichmentCache over a MemoryCache (L1) and an
// optional RedisCache (L2). Values are stored JSON encoded in both tiers.
type TieredCache struct {
	l1     *MemoryCache
	l2     *RedisCache
	logger *slog.Logger
}

// NewTieredCache builds the lookup cache. l2 may be nil.
func NewTieredCache(l1 *MemoryCache, l2 *RedisCache, logger *slog.Logger) *TieredCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{l1: l1, l2: l2, logger: logger}
}

func (c *TieredCache) Get(ctx context.Context, key string) (*domain.EnrichmentResult, bool) {
	if data, ok := c.l1.Get(key); ok {
		if res, ok := c.decode(key, data); ok {
			metrics.CacheOperations.WithLabelValues("l1", "hit").Inc()
			return res, true
		}
	}
	metrics.CacheOperations.WithLabelValues("l1", "miss").Inc()

	if c.l2 == nil {
		return nil, false
	}
	data, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("l2", "error").Inc()
		c.logger.Warn("redis cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		metrics.CacheOperations.WithLabelValues("l2", "miss").Inc()
		return nil, false
	}
	res, ok := c.decode(key, data)
	if !ok {
		return nil, false
	}
	metrics.CacheOperations.WithLabelValues("l2", "hit").Inc()
	c.l1.Set(key, data, maxL1TTL)
	return res, true
}

func (c *TieredCache) Set(ctx context.Context, key string, result *domain.EnrichmentResult, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to encode cache entry", "key", key, "error", err)
		return
	}
	c.l1.Set(key, data, min(ttl, maxL1TTL))
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, key, data, ttl); err != nil {
		metrics.CacheOperations.WithLabelValues("l2", "error").Inc()
		c.logger.Warn("redis cache write failed", "key", key, "error", err)
	}
}

func (c *TieredCache) decode(key string, data []byte) (*domain.EnrichmentResult, bool) {
	var res domain.EnrichmentResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		c.l1.Delete(key)
		return nil, false
	}
	return &res, true
}
