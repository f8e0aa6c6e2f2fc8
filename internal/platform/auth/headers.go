package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSubject = "X-Validations-Subject"
	HeaderTenant  = "X-Validations-Tenant"
	HeaderRoles   = "X-Validations-Roles"

	HeaderGatewayTimestamp = "X-Validations-Auth-Ts"
	HeaderGatewaySignature = "X-Validations-Auth-Sig"
)

var ErrBadGatewaySignature = errors.New("gateway signature mismatch")

// GatewayHeadersAuthenticator trusts identity headers set by the gateway
// when they carry a valid HMAC over the request line and identity.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("gateway secret is required")
	}
	return &GatewayHeadersAuthenticator{Secret: secret, MaxSkew: 5 * time.Minute}, nil
}

// gatewayClaims is the signed part of a gateway request.
type gatewayClaims struct {
	ts, method, path, subject, tenant, roles string
}

func claimsFromRequest(r *http.Request) gatewayClaims {
	h := func(name string) string { return strings.TrimSpace(r.Header.Get(name)) }
	return gatewayClaims{
		ts:      h(HeaderGatewayTimestamp),
		method:  r.Method,
		path:    r.URL.Path,
		subject: h(HeaderSubject),
		tenant:  h(HeaderTenant),
		roles:   h(HeaderRoles),
	}
}

func (c gatewayClaims) message() string {
	return strings.Join([]string{
		strings.TrimSpace(c.ts),
		strings.ToUpper(strings.TrimSpace(c.method)),
		strings.TrimSpace(c.path),
		strings.TrimSpace(c.subject),
		strings.TrimSpace(c.tenant),
		strings.TrimSpace(c.roles),
	}, "\n")
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	claims := claimsFromRequest(r)
	sig := strings.TrimSpace(r.Header.Get(HeaderGatewaySignature))
	if claims.subject == "" || claims.tenant == "" || claims.ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	if err := VerifyTimestamp(claims.ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}
	expected, err := ComputeGatewaySignature(a.Secret, claims.ts, claims.method, claims.path, claims.subject, claims.tenant, claims.roles)
	if err != nil {
		return Identity{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Identity{}, ErrBadGatewaySignature
	}
	return Identity{
		Subject:  claims.subject,
		TenantID: claims.tenant,
		Roles:    parseRoles(claims.roles),
	}, nil
}

// ComputeGatewaySignature is the base64url HMAC-SHA256 the gateway sends in
// HeaderGatewaySignature.
func ComputeGatewaySignature(secret, ts, method, path, subject, tenant, roles string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("gateway secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	msg := gatewayClaims{ts: ts, method: method, path: path, subject: subject, tenant: tenant, roles: roles}.message()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyTimestamp checks a unix-seconds timestamp against now. A
// non-positive maxSkew disables the window.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if skew := now.Sub(time.Unix(secs, 0)).Abs(); skew > maxSkew {
		return fmt.Errorf("timestamp outside allowed skew (%s)", skew.Round(time.Second))
	}
	return nil
}

// parseRoles lowercases, drops blanks and duplicates, and keeps order.
func parseRoles(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		role := strings.ToLower(strings.TrimSpace(part))
		if role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}
