// Package cache provides the key-value slots backing the entitlement cache and the
// persisted scope selection.
package cache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrMiss is returned when a key holds no value.
var ErrMiss = errors.New("platform/cache: miss")

// Store is a byte-slot key-value store. A ttl of zero keeps the value until it is
// overwritten or deleted.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store used when no Redis address is configured.
// Values do not outlive the process. Per-call ttl is ignored in favour of the
// store-wide retention.
type MemoryStore struct {
	lru *lru.LRU[string, []byte]
}

// NewMemoryStore creates a bounded store. size <= 0 means unbounded, retention <= 0
// means entries never expire.
func NewMemoryStore(size int, retention time.Duration) *MemoryStore {
	if size < 0 {
		size = 0
	}
	return &MemoryStore{lru: lru.NewLRU[string, []byte](size, nil, retention)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	s.lru.Add(key, stored)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}
