// Package access merges role permissions with plan entitlements into the
// authorization decisions the dashboard gates its actions on.
//
// Decisions are advisory: they decide what the dashboard offers, while the business
// API re-checks every privileged operation.
package access

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/identity"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
	"github.com/odyssey-erp/gatekeeper/internal/scope"
)

// ErrNotInitialised is the panic value for decisions asked of an engine that was
// never built with New.
var ErrNotInitialised = errors.New("access: engine not initialised")

// DefaultRoleOnlyFamilies are security controls a plan can neither grant nor revoke.
var DefaultRoleOnlyFamilies = []string{"INBOX"}

// Source is the business API as seen by the engine.
type Source interface {
	AuthContext(ctx context.Context) (identity.Context, error)
	Entitlements(ctx context.Context, scopeID string) (*entitlements.Snapshot, error)
}

// Params wires an Engine.
type Params struct {
	Source   Source
	Sessions *identity.Store
	Scopes   *scope.Resolver
	Cache    *entitlements.Cache
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// RoleOnlyFamilies overrides DefaultRoleOnlyFamilies when non-empty.
	RoleOnlyFamilies []string
	// Production silences developer warnings about misconfigured requirements.
	Production bool
}

// Engine is the process-wide access state: the session context, the scope
// selection and the entitlement snapshot for the effective scope.
//
// Entitlement fetches may overlap. Each fetch takes a sequence number when it
// starts and may only touch shared state while that number is still the latest,
// so a slow response for an old scope can never overwrite a newer one.
type Engine struct {
	source     Source
	sessions   *identity.Store
	scopes     *scope.Resolver
	cache      *entitlements.Cache
	logger     *slog.Logger
	metrics    *observability.Metrics
	roleOnly   permission.Set
	production bool

	authGroup   singleflight.Group
	authMu      sync.RWMutex
	authLoading bool

	mu             sync.RWMutex
	seq            uint64
	requestedScope string
	snapshot       *entitlements.Snapshot
	entLoading     bool
	entErr         error
}

// New builds an Engine. Sessions and Scopes default to fresh in-memory
// instances; a nil Cache disables warm start.
func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := p.Sessions
	if sessions == nil {
		sessions = identity.NewStore()
	}
	scopes := p.Scopes
	if scopes == nil {
		scopes = scope.NewResolver(nil, scope.DefaultElevatedRole, logger)
	}
	families := p.RoleOnlyFamilies
	if len(families) == 0 {
		families = DefaultRoleOnlyFamilies
	}
	return &Engine{
		source:     p.Source,
		sessions:   sessions,
		scopes:     scopes,
		cache:      p.Cache,
		logger:     logger.With(slog.String("component", "access")),
		metrics:    p.Metrics,
		roleOnly:   permission.NewSet(families...),
		production: p.Production,
	}
}

func (e *Engine) mustInit() {
	if e == nil || e.sessions == nil || e.scopes == nil {
		panic(ErrNotInitialised)
	}
}

// Session returns the current session context.
func (e *Engine) Session() identity.Context {
	e.mustInit()
	return e.sessions.Current()
}

// Scopes exposes the scope resolver.
func (e *Engine) Scopes() *scope.Resolver {
	e.mustInit()
	return e.scopes
}

// EffectiveBusinessID returns the scope decisions are evaluated against.
func (e *Engine) EffectiveBusinessID() string {
	e.mustInit()
	return e.scopes.Effective(e.sessions.Current())
}

// Snapshot returns the entitlement snapshot for the effective scope, or nil while
// none is known.
func (e *Engine) Snapshot() *entitlements.Snapshot {
	e.mustInit()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// EntError returns the failure of the latest entitlement fetch, if any.
func (e *Engine) EntError() error {
	e.mustInit()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entErr
}

// EntLoading reports whether the latest entitlement fetch is still in flight.
func (e *Engine) EntLoading() bool {
	e.mustInit()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entLoading
}

// IsLoading reports whether an identity refresh is in flight.
func (e *Engine) IsLoading() bool {
	e.mustInit()
	e.authMu.RLock()
	defer e.authMu.RUnlock()
	return e.authLoading
}

func (e *Engine) setAuthLoading(v bool) {
	e.authMu.Lock()
	e.authLoading = v
	e.authMu.Unlock()
}

// FetchEntitlements loads the snapshot for scopeID. With useWarmCache a fresh
// cache entry is published speculatively before the network call resolves. The
// network result is applied only if no newer fetch started meanwhile; a superseded
// or failed fetch returns nil. Failures are recorded in EntError, never returned.
func (e *Engine) FetchEntitlements(ctx context.Context, scopeID string, useWarmCache bool) *entitlements.Snapshot {
	e.mustInit()
	if scopeID == "" {
		return nil
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.requestedScope = scopeID
	e.snapshot = nil
	e.entErr = nil
	e.entLoading = true
	e.mu.Unlock()
	defer e.finishFetch(seq)

	logger := e.logger.With(slog.String("scope_id", scopeID), slog.Uint64("seq", seq))

	if useWarmCache {
		e.applyWarmStart(ctx, seq, scopeID)
	}

	if e.source == nil {
		e.recordFailure(seq, errors.New("access: no entitlement source configured"))
		return nil
	}

	snap, err := e.source.Entitlements(ctx, scopeID)
	if err != nil {
		if !e.recordFailure(seq, err) {
			logger.Debug("discarding superseded entitlement failure", slog.Any("error", err))
			return nil
		}
		logger.Warn("fetch entitlements", slog.Any("error", err))
		return nil
	}
	if snap == nil {
		snap = entitlements.NewSnapshot(scopeID, nil, nil, nil, time.Now())
	}

	if !e.isCurrent(seq) {
		e.metrics.RecordFetch(observability.FetchSuperseded)
		logger.Debug("discarding superseded entitlements")
		return nil
	}
	if err := e.cache.Put(ctx, snap); err != nil {
		logger.Warn("persist entitlements", slog.Any("error", err))
	}

	e.mu.Lock()
	if e.seq != seq {
		e.mu.Unlock()
		e.metrics.RecordFetch(observability.FetchSuperseded)
		logger.Debug("discarding superseded entitlements")
		return nil
	}
	e.snapshot = snap
	e.entErr = nil
	e.mu.Unlock()

	e.metrics.RecordFetch(observability.FetchApplied)
	return snap
}

func (e *Engine) applyWarmStart(ctx context.Context, seq uint64, scopeID string) {
	entry, expired := e.cache.Lookup(ctx, scopeID)
	switch {
	case entry == nil:
		e.metrics.RecordCacheLookup(observability.CacheMiss)
		return
	case expired:
		e.metrics.RecordCacheLookup(observability.CacheExpired)
		return
	}
	e.metrics.RecordCacheLookup(observability.CacheHit)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == seq {
		e.snapshot = entry.Snapshot
	}
}

// recordFailure stores err as the entitlement error when seq is still current and
// reports whether it did.
func (e *Engine) recordFailure(seq uint64, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != seq {
		e.metrics.RecordFetch(observability.FetchSuperseded)
		return false
	}
	e.entErr = err
	e.metrics.RecordFetch(observability.FetchFailed)
	return true
}

func (e *Engine) finishFetch(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == seq {
		e.entLoading = false
	}
}

func (e *Engine) isCurrent(seq uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq == seq
}

// invalidate drops the snapshot and orphans every in-flight fetch.
func (e *Engine) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.requestedScope = ""
	e.snapshot = nil
	e.entErr = nil
	e.entLoading = false
}

// RefreshEntitlements re-fetches the effective scope, bypassing the warm cache.
func (e *Engine) RefreshEntitlements(ctx context.Context) *entitlements.Snapshot {
	e.mustInit()
	return e.FetchEntitlements(ctx, e.EffectiveBusinessID(), false)
}

// ActivityRefresh re-validates after the dashboard becomes active again: the
// identity is reloaded and the effective scope is re-fetched from the source even
// when it has not changed. The returned error is the fetch failure, if any.
func (e *Engine) ActivityRefresh(ctx context.Context) error {
	e.mustInit()
	e.RefreshAuthContext(ctx)
	if snap := e.RefreshEntitlements(ctx); snap != nil {
		return nil
	}
	return e.EntError()
}

// SyncEntitlements follows the effective scope: a new scope gets a warm-start
// fetch, an empty scope clears the snapshot, an unchanged scope is left alone.
func (e *Engine) SyncEntitlements(ctx context.Context) *entitlements.Snapshot {
	e.mustInit()
	effective := e.EffectiveBusinessID()
	if effective == "" {
		e.invalidate()
		return nil
	}
	e.mu.RLock()
	requested := e.requestedScope
	current := e.snapshot
	e.mu.RUnlock()
	if requested == effective {
		return current
	}
	return e.FetchEntitlements(ctx, effective, true)
}

// RefreshAuthContext reloads the session context and then syncs entitlements to
// the resulting scope. Concurrent callers share one identity request. Any failure
// or unauthenticated answer clears the session.
func (e *Engine) RefreshAuthContext(ctx context.Context) identity.Context {
	e.mustInit()
	v, _, _ := e.authGroup.Do("auth-context", func() (any, error) {
		e.setAuthLoading(true)
		defer e.setAuthLoading(false)

		if e.source == nil {
			e.sessions.Clear()
			return e.sessions.Current(), nil
		}
		c, err := e.source.AuthContext(ctx)
		switch {
		case err != nil:
			e.logger.Warn("refresh auth context", slog.Any("error", err))
			e.sessions.Clear()
		case !c.IsAuthenticated:
			e.sessions.Clear()
		default:
			e.sessions.Replace(c)
		}
		return e.sessions.Current(), nil
	})
	e.SyncEntitlements(ctx)
	if c, ok := v.(identity.Context); ok {
		return c
	}
	return e.sessions.Current()
}

// SetScope selects the tenant an elevated user acts on and syncs entitlements.
func (e *Engine) SetScope(ctx context.Context, businessID, businessName string) scope.Selection {
	e.mustInit()
	sel := e.scopes.Set(ctx, businessID, businessName)
	e.SyncEntitlements(ctx)
	return sel
}

// ClearScope drops the tenant selection and syncs entitlements.
func (e *Engine) ClearScope(ctx context.Context) {
	e.mustInit()
	e.scopes.Clear(ctx)
	e.SyncEntitlements(ctx)
}

// Logout forgets the session, the scope selection and the snapshot.
func (e *Engine) Logout(ctx context.Context) {
	e.mustInit()
	e.sessions.Clear()
	e.scopes.Clear(ctx)
	e.invalidate()
}

// State is a point-in-time view of the engine for presentation layers.
type State struct {
	IsAuthenticated      bool                   `json:"isAuthenticated"`
	Role                 string                 `json:"role,omitempty"`
	HasAllAccess         bool                   `json:"hasAllAccess"`
	EffectiveBusinessID  string                 `json:"effectiveBusinessId,omitempty"`
	SelectedBusinessID   string                 `json:"selectedBusinessId,omitempty"`
	SelectedBusinessName string                 `json:"selectedBusinessName,omitempty"`
	IsLoading            bool                   `json:"isLoading"`
	EntLoading           bool                   `json:"entLoading"`
	EntError             string                 `json:"entError,omitempty"`
	Entitlements         *entitlements.Snapshot `json:"entitlements"`
}

// State captures the observable flags and the current snapshot.
func (e *Engine) State() State {
	e.mustInit()
	session := e.sessions.Current()
	sel := e.scopes.Selection()
	st := State{
		IsAuthenticated:      session.IsAuthenticated,
		Role:                 session.Role,
		HasAllAccess:         session.HasAllAccess,
		EffectiveBusinessID:  e.scopes.Effective(session),
		SelectedBusinessID:   sel.BusinessID,
		SelectedBusinessName: sel.BusinessName,
		IsLoading:            e.IsLoading(),
	}
	e.mu.RLock()
	st.EntLoading = e.entLoading
	st.Entitlements = e.snapshot
	if e.entErr != nil {
		st.EntError = e.entErr.Error()
	}
	e.mu.RUnlock()
	return st
}
