package app

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
)

// Stores bundles the key-value backends built from configuration.
type Stores struct {
	KV           cache.Store
	Entitlements *entitlements.Cache
	Redis        *redis.Client
}

// Close releases the Redis connection, if any.
func (s *Stores) Close(logger *slog.Logger) {
	if s == nil || s.Redis == nil {
		return
	}
	if err := s.Redis.Close(); err != nil && logger != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}

// OpenStores connects to Redis when configured and falls back to an in-process
// store otherwise.
func OpenStores(ctx context.Context, cfg *Config) (*Stores, error) {
	stores := &Stores{}
	if cfg.UsesRedis() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		stores.Redis = client
		stores.KV = cache.NewRedisStore(client)
	} else {
		stores.KV = cache.NewMemoryStore(cfg.MemoryCacheSize, cfg.EntitlementCacheRetention)
	}
	stores.Entitlements = entitlements.NewCache(stores.KV, cfg.EntitlementCacheTTL, cfg.EntitlementCacheRetention)
	return stores, nil
}
