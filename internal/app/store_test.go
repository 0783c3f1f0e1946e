package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
)

func storeConfig() *Config {
	return &Config{
		MemoryCacheSize:           8,
		EntitlementCacheTTL:       time.Minute,
		EntitlementCacheRetention: time.Hour,
	}
}

func TestOpenStoresInMemory(t *testing.T) {
	stores, err := OpenStores(context.Background(), storeConfig())
	require.NoError(t, err)
	defer stores.Close(nil)

	require.Nil(t, stores.Redis)
	require.IsType(t, &cache.MemoryStore{}, stores.KV)
	require.Equal(t, time.Minute, stores.Entitlements.TTL())
}

func TestOpenStoresRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storeConfig()
	cfg.RedisAddr = mr.Addr()

	stores, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	defer stores.Close(nil)

	snap := entitlements.NewSnapshot("biz-1", []string{"BROADCAST.SEND"}, nil, nil, time.Now())
	require.NoError(t, stores.Entitlements.Put(context.Background(), snap))
	require.True(t, mr.Exists(entitlements.Key("biz-1")))
	require.Equal(t, time.Hour, mr.TTL(entitlements.Key("biz-1")))
}

func TestOpenStoresRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storeConfig()
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err := OpenStores(context.Background(), cfg)
	require.Error(t, err)
}
