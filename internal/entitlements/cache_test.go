package entitlements

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
)

func newTestCache(t *testing.T, now *time.Time) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewCache(cache.NewRedisStore(client), 5*time.Minute, time.Hour)
	c.clock = func() time.Time { return *now }
	return c, mr
}

func sampleSnapshot(scope string) *Snapshot {
	return NewSnapshot(scope,
		[]string{"MESSAGING.SEND.TEXT"},
		[]FeatureGrant{{Code: "BROADCAST", Allowed: true}},
		[]QuotaRecord{NewQuota("BROADCAST.SEND", int64p(100), 97, nil)},
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestCacheRoundTripWithinTTL(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c, mr := newTestCache(t, &now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, sampleSnapshot("biz-1")))
	require.True(t, mr.Exists("ent-cache:biz-1"))
	require.Equal(t, time.Hour, mr.TTL("ent-cache:biz-1"))

	now = now.Add(5 * time.Minute)
	snap, ok := c.Fresh(ctx, "biz-1")
	require.True(t, ok, "age equal to TTL is still fresh")
	require.Equal(t, "biz-1", snap.ScopeID)
	require.True(t, snap.Permissions.Has("messaging.send.text"))
	g, _ := snap.Feature("broadcast")
	require.True(t, g.Allowed)
	q, _ := snap.Quota("BROADCAST.SEND")
	require.Equal(t, int64(3), q.Remaining)
}

func TestCacheExpiredEntriesAreReportedButNotFresh(t *testing.T) {
	now := time.Now()
	c, _ := newTestCache(t, &now)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, sampleSnapshot("biz-1")))

	now = now.Add(5*time.Minute + time.Second)
	entry, expired := c.Lookup(ctx, "biz-1")
	require.NotNil(t, entry)
	require.True(t, expired)
	_, ok := c.Fresh(ctx, "biz-1")
	require.False(t, ok)
}

func TestCacheMissAndCorruption(t *testing.T) {
	now := time.Now()
	c, mr := newTestCache(t, &now)
	ctx := context.Background()

	entry, _ := c.Lookup(ctx, "nobody")
	require.Nil(t, entry)

	require.NoError(t, mr.Set("ent-cache:bad", "{"))
	entry, _ = c.Lookup(ctx, "bad")
	require.Nil(t, entry)

	foreign, _ := json.Marshal(document{ScopeID: "other", CachedAt: &now})
	require.NoError(t, mr.Set("ent-cache:mine", string(foreign)))
	entry, _ = c.Lookup(ctx, "mine")
	require.Nil(t, entry, "a slot holding another scope's snapshot is ignored")

	entry, _ = c.Lookup(ctx, "")
	require.Nil(t, entry)
}

func TestCachePreservesAbsentFeatureGrants(t *testing.T) {
	now := time.Now()
	c, _ := newTestCache(t, &now)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, NewSnapshot("biz-2", []string{"A.B"}, nil, nil, now)))

	snap, ok := c.Fresh(ctx, "biz-2")
	require.True(t, ok)
	require.False(t, snap.HasFeatureGrants())
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(cache.NewMemoryStore(8, 0), 0, 0)
	ctx := context.Background()
	require.Equal(t, DefaultTTL, c.TTL())
	require.NoError(t, c.Put(ctx, sampleSnapshot("biz-3")))
	require.NoError(t, c.Invalidate(ctx, "biz-3"))
	_, ok := c.Fresh(ctx, "biz-3")
	require.False(t, ok)
}

func TestCachePutRejectsScopeless(t *testing.T) {
	c := NewCache(cache.NewMemoryStore(8, 0), 0, 0)
	require.Error(t, c.Put(context.Background(), NewSnapshot("", nil, nil, nil, time.Time{})))
	require.Error(t, c.Put(context.Background(), nil))
}

func TestSnapshotMarshalJSON(t *testing.T) {
	data, err := json.Marshal(sampleSnapshot("biz-4"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "biz-4", doc["scopeId"])
	require.Equal(t, []any{"MESSAGING.SEND.TEXT"}, doc["grantedPermissions"])
	_, hasCachedAt := doc["cachedAt"]
	require.False(t, hasCachedAt, "cache bookkeeping stays out of the wire form")
}
