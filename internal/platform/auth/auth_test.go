package auth

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedGatewayRequest(t *testing.T, secret string, method, path string, now time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, "http://example.test"+path, nil)
	req.Header.Set(HeaderSubject, "alice")
	req.Header.Set(HeaderTenant, "acme")
	req.Header.Set(HeaderRoles, "launcher,viewer")
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeGatewaySignature(secret, ts, method, path, "alice", "acme", "launcher,viewer")
	if err != nil {
		t.Fatalf("ComputeGatewaySignature() err=%v", err)
	}
	req.Header.Set(HeaderGatewayTimestamp, ts)
	req.Header.Set(HeaderGatewaySignature, sig)
	return req
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	authn, err := NewGatewayHeadersAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator() err=%v", err)
	}
	authn.Now = func() time.Time { return now }

	req := signedGatewayRequest(t, "test-secret", http.MethodPost, "/runs", now)
	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "alice" || identity.TenantID != "acme" || len(identity.Roles) != 2 {
		t.Fatalf("identity=%+v", identity)
	}

	req = signedGatewayRequest(t, "test-secret", http.MethodPost, "/runs", now)
	req.Header.Set(HeaderTenant, "other")
	if _, err := authn.Authenticate(req.Context(), req); !errors.Is(err, ErrBadGatewaySignature) {
		t.Fatalf("tenant tampering err=%v, want ErrBadGatewaySignature", err)
	}

	req = signedGatewayRequest(t, "test-secret", http.MethodPost, "/runs", now.Add(-time.Hour))
	if _, err := authn.Authenticate(req.Context(), req); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
}

func TestBodySignature_RoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	body := []byte(`{"runId":"r1"}`)
	req := httptest.NewRequest(http.MethodPost, "http://example.test/callback", bytes.NewReader(body))
	if err := SignRequest(req, "k1", body, now); err != nil {
		t.Fatalf("SignRequest() err=%v", err)
	}
	if err := VerifyRequest(req, "k1", body, now, time.Minute); err != nil {
		t.Fatalf("VerifyRequest() err=%v", err)
	}
	if err := VerifyRequest(req, "k2", body, now, time.Minute); err != ErrBadSignature {
		t.Fatalf("VerifyRequest(wrong key) err=%v, want ErrBadSignature", err)
	}
	if err := VerifyRequest(req, "k1", []byte(`{"runId":"r2"}`), now, time.Minute); err != ErrBadSignature {
		t.Fatalf("VerifyRequest(tampered body) err=%v, want ErrBadSignature", err)
	}

	unsigned := httptest.NewRequest(http.MethodPost, "http://example.test/callback", nil)
	if err := VerifyRequest(unsigned, "k1", nil, now, time.Minute); err != ErrUnauthenticated {
		t.Fatalf("VerifyRequest(unsigned) err=%v, want ErrUnauthenticated", err)
	}
}

func TestDeriveKey_ScopedPerValue(t *testing.T) {
	a := DeriveKey("secret", "cb-1")
	if a != DeriveKey("secret", "cb-1") {
		t.Fatalf("DeriveKey must be deterministic")
	}
	if a == DeriveKey("secret", "cb-2") || a == DeriveKey("other", "cb-1") {
		t.Fatalf("DeriveKey must differ by scope and secret")
	}
}

func TestMiddleware_AttachesIdentityAndEnforcesRole(t *testing.T) {
	now := time.Now().UTC()
	authn, _ := NewGatewayHeadersAuthenticator("test-secret")
	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware{Authenticator: authn, Authorize: RoleAuthorizer}.Wrap(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedGatewayRequest(t, "test-secret", http.MethodPost, "/runs", now))
	if rec.Code != http.StatusNoContent || seen.TenantID != "acme" {
		t.Fatalf("status=%d identity=%+v", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedGatewayRequest(t, "test-secret", http.MethodPost, "/runs/r-1/cancel", now))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cancel as launcher status=%d, want 403", rec.Code)
	}
}

func TestParseRoles(t *testing.T) {
	got := parseRoles(" Viewer,launcher,,viewer ")
	if len(got) != 2 || got[0] != "viewer" || got[1] != "launcher" {
		t.Fatalf("parseRoles()=%v, want [viewer launcher]", got)
	}
}
