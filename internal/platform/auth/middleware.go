package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type AuthorizeFunc func(r *http.Request, identity Identity) error

// RoleAuthorizer requires the role RequiredRoleForRequest picks.
func RoleAuthorizer(r *http.Request, identity Identity) error {
	if !HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
		return ErrForbidden
	}
	return nil
}

// Middleware guards the routes it wraps. Unauthenticated callers get 401,
// callers Authorize rejects get 403. Every route it wraps is protected.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			code := "invalid_credentials"
			if errors.Is(err, ErrUnauthenticated) {
				code = "unauthorized"
			}
			m.deny(w, r, http.StatusUnauthorized, code, err, Identity{})
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, http.StatusForbidden, "forbidden", err, identity)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, code string, err error, identity Identity) {
	requestID := r.Header.Get("X-Request-Id")
	if m.Logger != nil {
		m.Logger.Warn("auth denied",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"reason", code,
			"subject", identity.Subject,
			"tenant_id", identity.TenantID,
			"error", err,
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "request_id": requestID})
}
