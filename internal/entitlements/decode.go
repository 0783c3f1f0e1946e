package entitlements

import (
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/payload"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
)

var (
	permissionListKeys = []string{"grantedPermissions", "GrantedPermissions", "granted_permissions", "permissions", "Permissions", "permissionCodes"}
	featureListKeys    = []string{"featureGrants", "FeatureGrants", "feature_grants", "features", "Features"}
	featureCodeKeys    = []string{"code", "Code", "featureCode", "FeatureCode", "feature_code", "key"}
	featureAllowKeys   = []string{"allowed", "Allowed", "isAllowed", "enabled", "Enabled"}
	quotaListKeys      = []string{"quotas", "Quotas", "quota"}
	quotaKeyKeys       = []string{"quotaKey", "QuotaKey", "quota_key", "key", "code"}
	quotaLimitKeys     = []string{"limit", "Limit"}
	quotaUsedKeys      = []string{"used", "Used"}
	quotaRemainingKeys = []string{"remaining", "Remaining"}
)

// Decode maps an entitlement document fetched for scopeID. Unknown shapes degrade
// to empty grants rather than failing.
func Decode(scopeID string, raw map[string]any, fetchedAt time.Time) *Snapshot {
	raw = payload.Unwrap(raw)
	permRaw, _ := payload.Lookup(raw, permissionListKeys...)
	featureRaw, _ := payload.Lookup(raw, featureListKeys...)
	quotaRaw, _ := payload.Lookup(raw, quotaListKeys...)
	return NewSnapshot(scopeID, permission.ExtractCodes(permRaw), decodeFeatureGrants(featureRaw), decodeQuotas(quotaRaw), fetchedAt)
}

// decodeFeatureGrants returns nil when the document has no feature list, so
// gating can fall back to permission inference.
func decodeFeatureGrants(raw any) []FeatureGrant {
	if m, ok := payload.Object(raw); ok {
		grants := make([]FeatureGrant, 0, len(m))
		for code, allowed := range m {
			grants = append(grants, FeatureGrant{Code: code, Allowed: payload.Truthy(allowed)})
		}
		return grants
	}
	list, ok := payload.List(raw)
	if !ok {
		return nil
	}
	grants := make([]FeatureGrant, 0, len(list))
	for _, entry := range list {
		obj, ok := payload.Object(entry)
		if !ok {
			continue
		}
		code := payload.String(obj, featureCodeKeys...)
		if code == "" {
			continue
		}
		allowed, _ := payload.Bool(obj, featureAllowKeys...)
		grants = append(grants, FeatureGrant{Code: code, Allowed: allowed})
	}
	return grants
}

func decodeQuotas(raw any) []QuotaRecord {
	list, ok := payload.List(raw)
	if !ok {
		return nil
	}
	quotas := make([]QuotaRecord, 0, len(list))
	for _, entry := range list {
		obj, ok := payload.Object(entry)
		if !ok {
			continue
		}
		key := payload.String(obj, quotaKeyKeys...)
		if key == "" {
			continue
		}
		var limit, remaining *int64
		if v, ok := payload.Int64(obj, quotaLimitKeys...); ok {
			limit = &v
		}
		if v, ok := payload.Int64(obj, quotaRemainingKeys...); ok {
			remaining = &v
		}
		used, _ := payload.Int64(obj, quotaUsedKeys...)
		quotas = append(quotas, NewQuota(key, limit, used, remaining))
	}
	return quotas
}
