package factbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/clock"
)

// CacheConfig configures the hybrid read cache.
type CacheConfig struct {
	// TTL bounds how stale a cached read can be.
	TTL time.Duration `yaml:"ttl"`

	// RedisAddr enables the distributed L2 layer when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// DefaultCacheConfig returns cache defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       time.Minute,
		KeyPrefix: "factbox",
	}
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a hybrid local + redis read cache. Writers invalidate before the
// write path returns; readers may observe stale data bounded by the TTL.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]cacheEntry
	ttl    time.Duration
	prefix string
	rdb    *redis.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewCache creates a cache. When RedisAddr is empty only the local layer is used.
func NewCache(cfg CacheConfig, clk clock.Clock, logger *zap.Logger) *Cache {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "factbox"
	}

	c := &Cache{
		local:  make(map[string]cacheEntry),
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		clock:  clk,
		logger: logger,
	}

	if cfg.RedisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			// CLIENT SETINFO is not universally supported; skip the
			// handshake so older servers and miniredis accept connections.
			DisableIndentity: true,
		})
	}

	return c
}

// Get unmarshals a cached value into dest, checking local first and
// promoting redis hits.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()

	if ok && c.clock.Now().Before(entry.expiresAt) {
		return json.Unmarshal(entry.data, dest) == nil
	}

	if c.rdb == nil {
		return false
	}

	data, err := c.rdb.Get(ctx, c.prefix+":"+key).Bytes()
	if err != nil {
		return false
	}
	if json.Unmarshal(data, dest) != nil {
		return false
	}

	// Promote to local for hot reads.
	c.mu.Lock()
	c.local[key] = cacheEntry{data: data, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
	return true
}

// Set writes a value through both layers.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.local[key] = cacheEntry{data: data, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, c.prefix+":"+key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("cache redis set failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate removes keys from both layers.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.local, k)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		prefixed := make([]string, len(keys))
		for i, k := range keys {
			prefixed[i] = c.prefix + ":" + k
		}
		if err := c.rdb.Del(ctx, prefixed...).Err(); err != nil {
			c.logger.Warn("cache redis invalidate failed", zap.Error(err))
		}
	}
}

// Close releases the redis client if present
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
