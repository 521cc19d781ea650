package transport

import (
	"strconv"
	"strings"

	"github.com/pitabwire/funnel/model"
)

// claimMapping says where each identity field lives in the token. Paths are
// dot-separated so nested claims such as realm_access.roles resolve.
type claimMapping struct {
	subject, email, name, roles string
}

func newClaimMapping(paths map[string]string) claimMapping {
	pick := func(field, fallback string) string {
		if p := paths[field]; p != "" {
			return p
		}
		return fallback
	}
	return claimMapping{
		subject: pick("subject_id", "sub"),
		email:   pick("email", "email"),
		name:    pick("name", "name"),
		roles:   pick("roles", "roles"),
	}
}

func (m claimMapping) requestContext(claims map[string]any) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: claimString(claims, m.subject),
		Email:     claimString(claims, m.email),
		Name:      claimString(claims, m.name),
		Roles:     claimStrings(claims, m.roles),
	}
}

func claimAt(claims map[string]any, path string) any {
	if len(claims) == 0 || path == "" {
		return nil
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[part]; !ok {
			return nil
		}
	}
	return cur
}

// claimString also accepts numeric ids, which JSON decodes as float64.
func claimString(claims map[string]any, path string) string {
	switch v := claimAt(claims, path).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// claimStrings reads a role list. The pipeline service issues a single
// "role" string; other providers issue arrays.
func claimStrings(claims map[string]any, path string) []string {
	switch v := claimAt(claims, path).(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
