package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
)

const (
	// KeyPrefix namespaces entitlement slots in the key-value store.
	KeyPrefix = "ent-cache:"
	// DefaultTTL bounds how long a cached snapshot may be used for warm start.
	DefaultTTL = 5 * time.Minute
	// DefaultRetention bounds how long the store keeps a slot at all.
	DefaultRetention = 24 * time.Hour
)

// document is the persisted and wire form of a snapshot.
type document struct {
	ScopeID            string         `json:"scopeId"`
	GrantedPermissions []string       `json:"grantedPermissions"`
	FeatureGrants      []FeatureGrant `json:"featureGrants"`
	Quotas             []QuotaRecord  `json:"quotas"`
	FetchedAt          time.Time      `json:"fetchedAt"`
	CachedAt           *time.Time     `json:"cachedAt,omitempty"`
}

func toDocument(s *Snapshot) document {
	quotas := s.Quotas
	if quotas == nil {
		quotas = []QuotaRecord{}
	}
	return document{
		ScopeID:            s.ScopeID,
		GrantedPermissions: s.Permissions.Codes(),
		FeatureGrants:      s.FeatureGrants,
		Quotas:             quotas,
		FetchedAt:          s.FetchedAt,
	}
}

func (d document) snapshot() *Snapshot {
	return NewSnapshot(d.ScopeID, d.GrantedPermissions, d.FeatureGrants, d.Quotas, d.FetchedAt)
}

// MarshalJSON renders the snapshot in the same shape the cache stores.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(toDocument(s))
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("entitlements: decode snapshot: %w", err)
	}
	*s = *doc.snapshot()
	return nil
}

// Entry is one cached snapshot.
type Entry struct {
	ScopeID  string
	Snapshot *Snapshot
	CachedAt time.Time
}

// Cache is a read-through TTL cache of snapshots keyed by scope id. Writes are
// last-write-wins per scope.
type Cache struct {
	store     cache.Store
	ttl       time.Duration
	retention time.Duration
	clock     func() time.Time
}

// NewCache builds a cache over store. Non-positive durations fall back to the
// defaults.
func NewCache(store cache.Store, ttl, retention time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if retention < ttl {
		retention = ttl
	}
	return &Cache{store: store, ttl: ttl, retention: retention, clock: time.Now}
}

// TTL returns the warm-start window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Key returns the slot name for scopeID.
func Key(scopeID string) string {
	return KeyPrefix + scopeID
}

// Lookup returns the cached entry for scopeID and whether it is older than the
// TTL. A nil entry means no readable slot exists.
func (c *Cache) Lookup(ctx context.Context, scopeID string) (*Entry, bool) {
	if c == nil || c.store == nil || scopeID == "" {
		return nil, false
	}
	raw, err := c.store.Get(ctx, Key(scopeID))
	if err != nil {
		return nil, false
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil || doc.CachedAt == nil {
		return nil, false
	}
	if doc.ScopeID == "" {
		doc.ScopeID = scopeID
	}
	if doc.ScopeID != scopeID {
		return nil, false
	}
	entry := &Entry{ScopeID: scopeID, Snapshot: doc.snapshot(), CachedAt: *doc.CachedAt}
	return entry, c.clock().Sub(entry.CachedAt) > c.ttl
}

// Fresh returns the cached snapshot only when it is within the TTL.
func (c *Cache) Fresh(ctx context.Context, scopeID string) (*Snapshot, bool) {
	entry, expired := c.Lookup(ctx, scopeID)
	if entry == nil || expired {
		return nil, false
	}
	return entry.Snapshot, true
}

// Put writes the snapshot through to the store, stamped with the current time.
func (c *Cache) Put(ctx context.Context, s *Snapshot) error {
	if c == nil || c.store == nil {
		return nil
	}
	if s == nil || s.ScopeID == "" {
		return errors.New("entitlements: snapshot without scope")
	}
	doc := toDocument(s)
	cachedAt := c.clock()
	doc.CachedAt = &cachedAt
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("entitlements: encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, Key(s.ScopeID), data, c.retention); err != nil {
		return fmt.Errorf("entitlements: write cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the slot for scopeID.
func (c *Cache) Invalidate(ctx context.Context, scopeID string) error {
	if c == nil || c.store == nil || scopeID == "" {
		return nil
	}
	return c.store.Delete(ctx, Key(scopeID))
}
