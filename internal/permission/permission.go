// Package permission canonicalises permission and feature codes.
//
// Codes are case-insensitive, dot-delimited tokens such as MESSAGING.SEND.TEXT. All
// comparisons operate on the normalized (trimmed, uppercased) form.
package permission

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/gatekeeper/internal/payload"
)

// codeKeys lists where permission objects have historically carried their code.
var codeKeys = []string{"code", "Code", "CODE", "permissionCode", "PermissionCode", "permission_code", "name"}

// Normalize trims and uppercases a code. Blank input yields "".
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	// cases.Caser keeps state, so a fresh one is built per call.
	return cases.Upper(language.Und).String(code)
}

// Family returns the segment before the first "." of the normalized code, or ""
// when the code has none.
func Family(code string) string {
	n := Normalize(code)
	idx := strings.IndexByte(n, '.')
	if idx <= 0 {
		return ""
	}
	return n[:idx]
}

// ExtractCodes pulls codes out of a heterogeneous list of bare strings and
// permission objects. Anything that is not a list yields an empty slice.
func ExtractCodes(raw any) []string {
	list, ok := payload.List(raw)
	if !ok {
		return []string{}
	}
	codes := make([]string, 0, len(list))
	for _, entry := range list {
		var code string
		switch v := entry.(type) {
		case string:
			code = strings.TrimSpace(v)
		case map[string]any:
			code = payload.String(v, codeKeys...)
		}
		if code == "" {
			continue
		}
		codes = append(codes, code)
	}
	return codes
}

// Set is a membership set of normalized codes.
type Set map[string]struct{}

// NewSet normalizes codes and drops blanks.
func NewSet(codes ...string) Set {
	set := make(Set, len(codes))
	for _, c := range codes {
		if n := Normalize(c); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether the normalized code is a member.
func (s Set) Has(code string) bool {
	n := Normalize(code)
	if n == "" || len(s) == 0 {
		return false
	}
	_, ok := s[n]
	return ok
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s)
}

// Families returns the set of families present among the members.
func (s Set) Families() Set {
	families := make(Set)
	for code := range s {
		if f := Family(code); f != "" {
			families[f] = struct{}{}
		}
	}
	return families
}

// Codes returns the members in sorted order.
func (s Set) Codes() []string {
	codes := make([]string, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
