package auth

import (
	"net/http"
	"strings"
)

// Roles grant cumulative rights: viewers read runs, launchers also start
// them, operators also cancel them.
const (
	RoleViewer   = "viewer"
	RoleLauncher = "launcher"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const rolePrefix = "validations:"

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleLauncher: 2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

func normalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	return strings.TrimPrefix(role, rolePrefix)
}

// HasAtLeast reports whether any of roles ranks at or above required.
// Roles may carry a "validations:" prefix; unknown roles rank nowhere.
func HasAtLeast(roles []string, required string) bool {
	need := roleRank[normalizeRole(required)]
	if need == 0 {
		return false
	}
	for _, role := range roles {
		if roleRank[normalizeRole(role)] >= need {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps a run API request to the role it needs.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/cancel") {
		return RoleOperator
	}
	return RoleLauncher
}
