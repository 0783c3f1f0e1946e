package access

import (
	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/identity"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
)

// Quota refusal reasons.
const (
	ReasonNoEntitlements = "no-entitlements"
	ReasonNoFeature      = "no-feature"
	ReasonQuotaExceeded  = "quota-exceeded"
)

// QuotaCheck is the answer to CanUseQuota.
type QuotaCheck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Can reports whether the current user may perform the action behind code.
//
// Role permissions are always required. Plans act as a ceiling only for families
// they manage, and never for role-only families.
func (e *Engine) Can(code string) bool {
	e.mustInit()
	allowed := e.can(e.sessions.Current(), e.Snapshot(), code)
	e.metrics.RecordDecision("can", allowed)
	return allowed
}

func (e *Engine) can(session identity.Context, snap *entitlements.Snapshot, code string) bool {
	normalized := permission.Normalize(code)
	if normalized == "" {
		return true
	}
	if session.HasAllAccess {
		return true
	}
	hasRole := session.Permissions.Has(normalized)

	family := permission.Family(normalized)
	if family != "" && e.roleOnly.Has(family) {
		return hasRole
	}
	if family != "" && snap.ManagesFamily(family) {
		return hasRole && snap.Permissions.Has(normalized)
	}
	return hasRole
}

// HasFeature reports whether the feature behind code is available. Explicit
// feature grants win over permission inference; the session's coarse feature map
// is the last resort.
func (e *Engine) HasFeature(code string) bool {
	e.mustInit()
	allowed := e.hasFeature(e.sessions.Current(), e.Snapshot(), code)
	e.metrics.RecordDecision("feature", allowed)
	return allowed
}

func (e *Engine) hasFeature(session identity.Context, snap *entitlements.Snapshot, code string) bool {
	normalized := permission.Normalize(code)
	if normalized == "" {
		return true
	}
	if session.HasAllAccess {
		return true
	}
	if grant, ok := snap.Feature(normalized); ok {
		return grant.Allowed
	}
	if e.can(session, snap, normalized) {
		return true
	}
	return session.Features.Has(normalized)
}

// GetQuota returns the quota record for code. Unknown quotas come back zeroed,
// which blocks them.
func (e *Engine) GetQuota(code string) entitlements.QuotaRecord {
	e.mustInit()
	return getQuota(e.Snapshot(), code)
}

func getQuota(snap *entitlements.Snapshot, code string) entitlements.QuotaRecord {
	if q, ok := snap.Quota(code); ok {
		return q
	}
	return entitlements.ZeroQuota(code)
}

// CanUseQuota reports whether amount units of the quota behind code may be
// consumed now. Amounts below one count as one.
func (e *Engine) CanUseQuota(code string, amount int64) QuotaCheck {
	e.mustInit()
	check := e.canUseQuota(e.sessions.Current(), e.Snapshot(), code, amount)
	e.metrics.RecordDecision("quota", check.OK)
	return check
}

func (e *Engine) canUseQuota(session identity.Context, snap *entitlements.Snapshot, code string, amount int64) QuotaCheck {
	if amount < 1 {
		amount = 1
	}
	if snap == nil {
		return QuotaCheck{Reason: ReasonNoEntitlements}
	}
	if !e.hasFeature(session, snap, code) {
		return QuotaCheck{Reason: ReasonNoFeature}
	}
	q := getQuota(snap, code)
	if q.Unlimited() {
		return QuotaCheck{OK: true}
	}
	if *q.Limit == 0 || q.Remaining < amount {
		return QuotaCheck{Reason: ReasonQuotaExceeded}
	}
	return QuotaCheck{OK: true}
}

// Matrix is a batch of decisions taken against one view of the state.
type Matrix struct {
	Permissions map[string]bool       `json:"permissions"`
	Features    map[string]bool       `json:"features"`
	Quotas      map[string]QuotaCheck `json:"quotas"`
}

// Matrix evaluates every code and quota key against the same session and
// snapshot, so a concurrent refresh cannot split the answers.
func (e *Engine) Matrix(codes, quotaKeys []string) Matrix {
	e.mustInit()
	session := e.sessions.Current()
	snap := e.Snapshot()
	m := Matrix{
		Permissions: make(map[string]bool, len(codes)),
		Features:    make(map[string]bool, len(codes)),
		Quotas:      make(map[string]QuotaCheck, len(quotaKeys)),
	}
	for _, code := range codes {
		m.Permissions[code] = e.can(session, snap, code)
		m.Features[code] = e.hasFeature(session, snap, code)
	}
	for _, key := range quotaKeys {
		m.Quotas[key] = e.canUseQuota(session, snap, key, 1)
	}
	return m
}
