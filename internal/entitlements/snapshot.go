// Package entitlements models plan-derived grants for one business scope and the
// warm-start cache that holds them between fetches.
package entitlements

import (
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/permission"
)

// FeatureGrant is an explicit per-feature allow or deny record.
type FeatureGrant struct {
	Code    string `json:"code"`
	Allowed bool   `json:"allowed"`
}

// QuotaRecord describes one metered capability. A nil Limit means unlimited and a
// zero Limit blocks the capability outright.
type QuotaRecord struct {
	QuotaKey  string `json:"quotaKey"`
	Limit     *int64 `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// Unlimited reports whether the record carries no ceiling.
func (q QuotaRecord) Unlimited() bool {
	return q.Limit == nil
}

// ZeroQuota is the default-deny record returned for unknown quotas.
func ZeroQuota(key string) QuotaRecord {
	var zero int64
	return QuotaRecord{QuotaKey: key, Limit: &zero}
}

// NewQuota builds a record, deriving Remaining as max(0, limit-used) when the
// source did not supply it.
func NewQuota(key string, limit *int64, used int64, remaining *int64) QuotaRecord {
	if used < 0 {
		used = 0
	}
	q := QuotaRecord{QuotaKey: key, Used: used}
	if limit != nil {
		l := *limit
		if l < 0 {
			l = 0
		}
		q.Limit = &l
	}
	switch {
	case remaining != nil:
		q.Remaining = max(0, *remaining)
	case q.Limit != nil:
		q.Remaining = max(0, *q.Limit-used)
	}
	return q
}

// Snapshot holds the entitlements fetched for ScopeID. It is immutable once built.
type Snapshot struct {
	ScopeID       string
	Permissions   permission.Set
	FeatureGrants []FeatureGrant
	Quotas        []QuotaRecord
	FetchedAt     time.Time

	families permission.Set
	features map[string]FeatureGrant
	quotas   map[string]QuotaRecord
}

// NewSnapshot indexes the supplied grants. featureGrants == nil means the source
// carried no explicit feature records.
func NewSnapshot(scopeID string, permissions []string, featureGrants []FeatureGrant, quotas []QuotaRecord, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		ScopeID:     scopeID,
		Permissions: permission.NewSet(permissions...),
		FetchedAt:   fetchedAt,
		quotas:      make(map[string]QuotaRecord, len(quotas)),
	}
	s.families = s.Permissions.Families()
	if featureGrants != nil {
		s.FeatureGrants = make([]FeatureGrant, 0, len(featureGrants))
		s.features = make(map[string]FeatureGrant, len(featureGrants))
		for _, g := range featureGrants {
			code := permission.Normalize(g.Code)
			if code == "" {
				continue
			}
			g.Code = code
			s.FeatureGrants = append(s.FeatureGrants, g)
			if _, dup := s.features[code]; !dup {
				s.features[code] = g
			}
		}
	}
	s.Quotas = make([]QuotaRecord, 0, len(quotas))
	for _, q := range quotas {
		key := permission.Normalize(q.QuotaKey)
		if key == "" {
			continue
		}
		s.Quotas = append(s.Quotas, q)
		if _, dup := s.quotas[key]; !dup {
			s.quotas[key] = q
		}
	}
	return s
}

// ManagesFamily reports whether the plan grants anything in family, which makes
// the plan a gate for every code in that family.
func (s *Snapshot) ManagesFamily(family string) bool {
	if s == nil || family == "" || s.Permissions.Len() == 0 {
		return false
	}
	return s.families.Has(family)
}

// HasFeatureGrants reports whether the source carried an explicit feature list.
func (s *Snapshot) HasFeatureGrants() bool {
	return s != nil && s.FeatureGrants != nil
}

// Feature looks up an explicit grant by code.
func (s *Snapshot) Feature(code string) (FeatureGrant, bool) {
	if s == nil || s.features == nil {
		return FeatureGrant{}, false
	}
	g, ok := s.features[permission.Normalize(code)]
	return g, ok
}

// Quota looks up a quota by key.
func (s *Snapshot) Quota(key string) (QuotaRecord, bool) {
	if s == nil {
		return QuotaRecord{}, false
	}
	q, ok := s.quotas[permission.Normalize(key)]
	if !ok {
		return QuotaRecord{}, false
	}
	if q.Limit != nil {
		l := *q.Limit
		q.Limit = &l
	}
	return q, true
}
