// Package identity holds the authenticated caller as last reported by the business API.
package identity

import (
	"github.com/odyssey-erp/gatekeeper/internal/payload"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
)

var businessIDKeys = []string{
	"businessId", "business_id", "BusinessId", "BusinessID",
	"business.id", "business.Id", "business._id",
	"user.businessId", "user.business_id",
}

// Context is the identity snapshot returned by the context endpoint. User and
// Business are opaque records; only ids are read from them.
type Context struct {
	IsAuthenticated bool           `json:"isAuthenticated"`
	User            map[string]any `json:"user,omitempty"`
	Business        map[string]any `json:"business,omitempty"`
	Role            string         `json:"role,omitempty"`
	Status          string         `json:"status,omitempty"`
	HasAllAccess    bool           `json:"hasAllAccess"`
	Permissions     permission.Set `json:"-"`
	Features        permission.Set `json:"-"`
	BusinessID      string         `json:"businessId,omitempty"`
}

// Anonymous returns the cleared, unauthenticated context.
func Anonymous() Context {
	return Context{Permissions: permission.Set{}, Features: permission.Set{}}
}

// Decode maps a raw context document. Missing or malformed fields degrade to
// empty values.
func Decode(raw map[string]any) Context {
	raw = payload.Unwrap(raw)
	authenticated, _ := payload.Bool(raw, "isAuthenticated", "IsAuthenticated", "is_authenticated", "authenticated")
	if !authenticated {
		return Anonymous()
	}
	hasAll, _ := payload.Bool(raw, "hasAllAccess", "HasAllAccess", "has_all_access")
	user, _ := payload.Object(raw["user"])
	business, _ := payload.Object(raw["business"])
	permRaw, _ := payload.Lookup(raw, "permissions", "Permissions", "permissionCodes")
	featureRaw, _ := payload.Lookup(raw, "features", "Features")

	return Context{
		IsAuthenticated: true,
		User:            user,
		Business:        business,
		Role:            payload.String(raw, "role", "Role", "roleName", "role_name"),
		Status:          payload.String(raw, "status", "Status"),
		HasAllAccess:    hasAll,
		Permissions:     permission.NewSet(permission.ExtractCodes(permRaw)...),
		Features:        decodeFeatures(featureRaw),
		BusinessID:      payload.String(raw, businessIDKeys...),
	}
}

// decodeFeatures accepts either a list of codes or a {code: enabled} map.
func decodeFeatures(raw any) permission.Set {
	if m, ok := payload.Object(raw); ok {
		codes := make([]string, 0, len(m))
		for code, enabled := range m {
			if payload.Truthy(enabled) {
				codes = append(codes, code)
			}
		}
		return permission.NewSet(codes...)
	}
	return permission.NewSet(permission.ExtractCodes(raw)...)
}

// UserID extracts the user's id, when the record carries one.
func (c Context) UserID() string {
	return payload.String(c.User, "id", "Id", "_id", "userId")
}
