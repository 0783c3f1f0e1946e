package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	if err := store.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = store.Get(ctx, "k")
	if string(got) != "v2" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
	if err := store.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("deleting absent key should succeed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(16, 0))
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore(4, 0)
	value := []byte("abc")
	_ = store.Set(context.Background(), "k", value, 0)
	value[0] = 'z'
	got, _ := store.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Fatalf("store must not alias caller buffers, got %q", got)
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2, 0)
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), 0)
	_ = store.Set(ctx, "b", []byte("2"), 0)
	_ = store.Set(ctx, "c", []byte("3"), 0)
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected oldest key to be evicted, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseStore(t, NewRedisStore(client))
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Set(ctx, "slot", []byte("x"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "slot"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected slot to expire, got %v", err)
	}
}

func TestNewPingsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), addr); err == nil {
		t.Fatalf("expected ping failure against closed server")
	}
}
