// Package scope resolves which tenant business the engine is currently evaluating.
package scope

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/odyssey-erp/gatekeeper/internal/identity"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
)

// SelectionKey is the tenant-independent slot holding the elevated-role selection.
const SelectionKey = "gatekeeper:scope-selection"

// DefaultElevatedRole is the platform administrator role allowed to pick a tenant.
const DefaultElevatedRole = "SUPER_ADMIN"

// Selection is the platform-admin override of business scope.
type Selection struct {
	BusinessID   string `json:"selectedBusinessId,omitempty"`
	BusinessName string `json:"selectedBusinessName,omitempty"`
}

// Resolver derives the effective business id and owns the persisted selection.
type Resolver struct {
	store        cache.Store
	elevatedRole string
	logger       *slog.Logger

	mu        sync.RWMutex
	selection Selection
}

// NewResolver builds a resolver. A nil store keeps the selection in memory only.
func NewResolver(store cache.Store, elevatedRole string, logger *slog.Logger) *Resolver {
	role := permission.Normalize(elevatedRole)
	if role == "" {
		role = DefaultElevatedRole
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, elevatedRole: role, logger: logger.With(slog.String("component", "scope"))}
}

// Load restores the persisted selection. A missing or unreadable slot leaves the
// selection empty.
func (r *Resolver) Load(ctx context.Context) Selection {
	if r.store == nil {
		return r.Selection()
	}
	raw, err := r.store.Get(ctx, SelectionKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("load scope selection", slog.Any("error", err))
		}
		return r.Selection()
	}
	var sel Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		r.logger.Warn("decode scope selection", slog.Any("error", err))
		return r.Selection()
	}
	sel.BusinessID = strings.TrimSpace(sel.BusinessID)
	r.mu.Lock()
	r.selection = sel
	r.mu.Unlock()
	return sel
}

// Selection returns the current selection.
func (r *Resolver) Selection() Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selection
}

// Set records the tenant an elevated user acts on. Persistence is best-effort.
func (r *Resolver) Set(ctx context.Context, businessID, businessName string) Selection {
	sel := Selection{BusinessID: strings.TrimSpace(businessID), BusinessName: strings.TrimSpace(businessName)}
	if sel.BusinessID == "" {
		return r.Clear(ctx)
	}
	r.mu.Lock()
	r.selection = sel
	r.mu.Unlock()
	r.persist(ctx, sel)
	return sel
}

// Clear drops the selection from memory and storage.
func (r *Resolver) Clear(ctx context.Context) Selection {
	r.mu.Lock()
	r.selection = Selection{}
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Delete(ctx, SelectionKey); err != nil {
			r.logger.Warn("clear scope selection", slog.Any("error", err))
		}
	}
	return Selection{}
}

func (r *Resolver) persist(ctx context.Context, sel Selection) {
	if r.store == nil {
		return
	}
	data, err := json.Marshal(sel)
	if err != nil {
		r.logger.Warn("encode scope selection", slog.Any("error", err))
		return
	}
	if err := r.store.Set(ctx, SelectionKey, data, 0); err != nil {
		r.logger.Warn("persist scope selection", slog.Any("error", err))
	}
}

// IsElevated reports whether role is the designated elevated role.
func (r *Resolver) IsElevated(role string) bool {
	return role != "" && permission.Normalize(role) == r.elevatedRole
}

// Effective returns the business id decisions are evaluated against: the selected
// tenant for elevated roles, the claim-derived business otherwise. "" means none.
func (r *Resolver) Effective(c identity.Context) string {
	if r.IsElevated(c.Role) {
		return r.Selection().BusinessID
	}
	return strings.TrimSpace(c.BusinessID)
}
