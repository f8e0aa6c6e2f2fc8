package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast_RanksAreCumulative(t *testing.T) {
	if !HasAtLeast([]string{RoleOperator}, RoleLauncher) {
		t.Fatalf("operator should be able to launch")
	}
	if HasAtLeast([]string{RoleLauncher}, RoleOperator) {
		t.Fatalf("launcher should not be able to cancel")
	}
	if !HasAtLeast([]string{"billing", "validations:Viewer"}, RoleViewer) {
		t.Fatalf("prefixed role not recognised")
	}
	if HasAtLeast([]string{"owner"}, RoleViewer) {
		t.Fatalf("unknown role granted access")
	}
	if HasAtLeast([]string{RoleAdmin}, "superuser") {
		t.Fatalf("unknown requirement satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/runs/r-1", RoleViewer},
		{http.MethodPost, "/runs", RoleLauncher},
		{http.MethodPost, "/runs/r-1/cancel", RoleOperator},
		{http.MethodPost, "/runs/r-1/cancel/", RoleOperator},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
